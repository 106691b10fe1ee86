// Package expiry implements crash recovery for the admission controller: a
// listener that reacts to safety-key expiry notifications, and an optional
// periodic sweeper that repairs any running-set member the listener missed.
// See spec.md §4.F.
package expiry

import (
	"context"
	"log/slog"

	"github.com/wisbric/bulkimport/internal/telemetry"
	"github.com/wisbric/bulkimport/pkg/keyspace"
	"github.com/wisbric/bulkimport/pkg/store"
	"github.com/wisbric/bulkimport/pkg/tier"
)

// Listener reacts to "job:"-prefixed safety-key expirations by removing the
// orphaned member from the matching running-set. A safety key expires when
// the job that reserved it did not call markFinished within the safety-key
// TTL, typically because it crashed — a normal completion deletes the key
// itself, which does not fire an expired event.
type Listener struct {
	client store.Client
	tiers  *tier.Table
	logger *slog.Logger
}

// NewListener creates a Listener.
func NewListener(client store.Client, tiers *tier.Table, logger *slog.Logger) *Listener {
	return &Listener{client: client, tiers: tiers, logger: logger}
}

// Run subscribes to expired-key events and repairs running-set state as they
// arrive. It blocks until ctx is cancelled. Delivery is best-effort by
// construction (spec.md §9): a missed or duplicate event is never a
// correctness problem, only a repair opportunity that the sweeper picks up
// on its next pass.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("expiry listener started")
	err := l.client.SubscribeKeyExpiry(ctx, "job:", l.handleExpired)
	l.logger.Info("expiry listener stopped")
	return err
}

// handleExpired parses an expired safety key and removes its member from the
// corresponding running-set. Malformed keys and unknown tiers are logged and
// ignored rather than treated as fatal (spec.md §8 scenario S6) — a listener
// that panics on a malformed event takes crash recovery down with it.
func (l *Listener) handleExpired(ctx context.Context, key string) {
	parsed, ok := keyspace.ParseSafetyKey(key)
	if !ok {
		l.logger.Warn("ignoring malformed expired key", "key", key)
		return
	}
	if _, ok := l.tiers.Lookup(tier.Name(parsed.Tier)); !ok {
		l.logger.Warn("ignoring expired key with unknown tier", "key", key, "tier", parsed.Tier)
		return
	}

	setKey := keyspace.RunningSet(parsed.UserID, parsed.Tier)
	if err := l.client.SetRemove(ctx, setKey, parsed.JobID); err != nil {
		l.logger.Error("removing expired reservation from running set",
			"key", key, "set_key", setKey, "job_id", parsed.JobID, "error", err)
		return
	}
	telemetry.ExpiryRepairsTotal.WithLabelValues("listener").Inc()
	l.logger.Debug("repaired running set after safety key expiry",
		"user_id", parsed.UserID, "tier", parsed.Tier, "job_id", parsed.JobID)
}
