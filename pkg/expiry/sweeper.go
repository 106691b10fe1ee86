package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/bulkimport/internal/telemetry"
	"github.com/wisbric/bulkimport/pkg/keyspace"
	"github.com/wisbric/bulkimport/pkg/store"
	"github.com/wisbric/bulkimport/pkg/tier"
)

// Sweeper periodically scans every running-set and removes members whose
// safety key is already gone. It exists because pub/sub expiry delivery is
// best-effort (spec.md §9): a notification lost during a Redis restart or a
// listener outage would otherwise leave an orphaned member forever. SCAN is
// explicitly not allowed on the admission hot path (store.Client.SetCardinality
// must stay O(1)); the sweeper is the one place a full keyspace scan is
// acceptable, because it runs off the critical path on its own schedule.
type Sweeper struct {
	client   store.Client
	tiers    *tier.Table
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a Sweeper. interval is recommended in the minutes
// range — frequent enough to bound orphan lifetime, infrequent enough that
// the SCAN cost never competes with the admission hot path.
func NewSweeper(client store.Client, tiers *tier.Table, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{client: client, tiers: tiers, logger: logger, interval: interval}
}

// Run executes one sweep immediately, then repeats on interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("initial sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep", "error", err)
			}
		}
	}
}

// Sweep performs a single repair pass over every running-set key. For each
// member it checks whether the matching safety key still exists; if not, the
// member is removed. A missing running-set parse or an unknown tier causes
// that key to be skipped and logged, never the whole sweep to abort.
func (s *Sweeper) Sweep(ctx context.Context) error {
	keys, err := s.client.ScanKeys(ctx, "user:*:*:jobs")
	if err != nil {
		return err
	}

	removed := 0
	for _, key := range keys {
		parsed, ok := keyspace.ParseRunningSetKey(key)
		if !ok {
			s.logger.Warn("sweeper ignoring malformed running-set key", "key", key)
			continue
		}
		if _, ok := s.tiers.Lookup(tier.Name(parsed.Tier)); !ok {
			s.logger.Warn("sweeper ignoring running-set key with unknown tier", "key", key, "tier", parsed.Tier)
			continue
		}

		members, err := s.client.SetMembers(ctx, key)
		if err != nil {
			s.logger.Error("sweeper listing set members", "key", key, "error", err)
			continue
		}

		for _, jobID := range members {
			safetyKey := keyspace.SafetyKey(parsed.UserID, parsed.Tier, jobID)
			exists, err := s.client.Exists(ctx, safetyKey)
			if err != nil {
				s.logger.Error("sweeper checking safety key", "key", safetyKey, "error", err)
				continue
			}
			if exists {
				continue
			}
			if err := s.client.SetRemove(ctx, key, jobID); err != nil {
				s.logger.Error("sweeper removing orphaned member", "key", key, "job_id", jobID, "error", err)
				continue
			}
			removed++
			telemetry.ExpiryRepairsTotal.WithLabelValues("sweeper").Inc()
			s.logger.Info("sweeper repaired orphaned reservation",
				"user_id", parsed.UserID, "tier", parsed.Tier, "job_id", jobID)
		}
	}
	if removed > 0 {
		s.logger.Info("sweep complete", "keys_scanned", len(keys), "orphans_removed", removed)
	}
	return nil
}
