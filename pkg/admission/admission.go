// Package admission implements the distributed admission controller:
// cooldown gate, atomic concurrency reservation, and the safety-key
// bookkeeping that lets the expiry listener (pkg/expiry) repair state after
// a crash. See spec.md §4.E for the authoritative protocol description.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/bulkimport/internal/telemetry"
	"github.com/wisbric/bulkimport/pkg/keyspace"
	"github.com/wisbric/bulkimport/pkg/store"
	"github.com/wisbric/bulkimport/pkg/tier"
)

// Controller orchestrates checkAndReserve / markFinished against a shared
// store. It holds no in-process state of its own beyond configuration —
// every fact about what's admitted lives in the store, so any number of
// Controller instances across replicas observe the same view.
type Controller struct {
	client       store.Client
	tiers        *tier.Table
	safetyKeyTTL time.Duration
	callTimeout  time.Duration
	logger       *slog.Logger
}

// New creates a Controller. safetyKeyTTL bounds how long a reservation can
// live without a markFinished call (recommended 15 minutes); callTimeout
// bounds every individual store call (recommended 1 second).
func New(client store.Client, tiers *tier.Table, safetyKeyTTL, callTimeout time.Duration, logger *slog.Logger) *Controller {
	return &Controller{
		client:       client,
		tiers:        tiers,
		safetyKeyTTL: safetyKeyTTL,
		callTimeout:  callTimeout,
		logger:       logger,
	}
}

// CheckAndReserve classifies requestedCount into a tier and attempts to
// admit jobId for userId under that tier. On success it returns the tier
// that was reserved. On failure it returns an *Error whose Kind explains
// why (spec.md §7).
//
// Ordering: the cooldown gate runs before the reservation, so an
// already-cooling-down user can never slip an admission through between
// the two checks landing in a worse state than "still rejected". The
// reservation script runs before the safety key is written, so a crash
// between the two simply leaves the set member orphaned for the expiry
// listener to clean up — never a safety key with no matching member.
func (c *Controller) CheckAndReserve(ctx context.Context, userID string, requestedCount int64, jobID string) (tier.Limits, error) {
	lim := c.tiers.Classify(requestedCount)

	if err := c.checkCooldown(ctx, userID); err != nil {
		return lim, err
	}

	setKey := keyspace.RunningSet(userID, string(lim.Name))

	scriptStart := time.Now()
	rctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	result, err := c.client.RunReservationScript(rctx, setKey, lim.MaxConcurrent, jobID)
	cancel()
	telemetry.ReservationDuration.WithLabelValues(string(lim.Name)).Observe(time.Since(scriptStart).Seconds())
	if err != nil {
		telemetry.AdmissionOutcomesTotal.WithLabelValues(string(lim.Name), "store_unavailable").Inc()
		return lim, &Error{Kind: KindStoreUnavailable, Err: fmt.Errorf("reservation script: %w", err)}
	}

	if result == store.Rejected {
		c.writeCooldown(ctx, userID, lim)
		telemetry.AdmissionOutcomesTotal.WithLabelValues(string(lim.Name), "too_many_requests").Inc()
		return lim, &Error{Kind: KindTooManyRequests, Tier: string(lim.Name), Limit: lim.MaxConcurrent}
	}

	safetyKey := keyspace.SafetyKey(userID, string(lim.Name), jobID)
	sctx, scancel := context.WithTimeout(ctx, c.callTimeout)
	err = c.client.SetWithTTL(sctx, safetyKey, string(lim.Name), int(c.safetyKeyTTL.Seconds()))
	scancel()
	if err != nil {
		c.compensate(ctx, setKey, jobID)
		telemetry.AdmissionOutcomesTotal.WithLabelValues(string(lim.Name), "store_unavailable").Inc()
		return lim, &Error{Kind: KindStoreUnavailable, Err: fmt.Errorf("writing safety key: %w", err)}
	}

	telemetry.AdmissionOutcomesTotal.WithLabelValues(string(lim.Name), "allowed").Inc()
	return lim, nil
}

// checkCooldown fails the call with KindCooldownActive if userId is
// currently cooling down. This is a plain read-then-act check — it is not
// atomic with the reservation that follows, so a user may cross from
// "in cooldown" to "out of cooldown" between the two calls. Spec.md §5
// calls this acceptable: it errs toward admitting, never toward a false
// rejection.
func (c *Controller) checkCooldown(ctx context.Context, userID string) error {
	key := keyspace.CooldownKey(userID)

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	val, ok, err := c.client.Get(cctx, key)
	if err != nil {
		return &Error{Kind: KindStoreUnavailable, Err: fmt.Errorf("checking cooldown: %w", err)}
	}
	if !ok {
		return nil
	}

	remaining, err := c.client.TTLSeconds(cctx, key)
	if err != nil {
		return &Error{Kind: KindStoreUnavailable, Err: fmt.Errorf("reading cooldown ttl: %w", err)}
	}

	total := remaining
	if lim, ok := c.tiers.Lookup(tier.Name(val)); ok {
		total = lim.CooldownSeconds
	}

	return &Error{
		Kind:             KindCooldownActive,
		Tier:             val,
		TotalSeconds:     total,
		RemainingSeconds: remaining,
	}
}

// writeCooldown sets the cooldown key after a concurrency rejection. This
// is the chosen resolution of spec.md §9's open question: cooldown is
// written only here (on rejection), never from markFinished on normal
// completion. Failure to write it is logged and dropped — a missed
// cooldown only makes the next admission attempt more lenient, which is
// the safe direction to fail in.
func (c *Controller) writeCooldown(ctx context.Context, userID string, lim tier.Limits) {
	if lim.CooldownSeconds <= 0 {
		return
	}
	key := keyspace.CooldownKey(userID)

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.client.SetWithTTL(cctx, key, string(lim.Name), lim.CooldownSeconds); err != nil {
		c.logger.Warn("writing cooldown key failed", "user_id", userID, "tier", lim.Name, "error", err)
	}
}

// compensate removes a just-added set member after the follow-up safety-key
// write failed. This is best-effort: if it also fails, the member is an
// orphan. The expiry listener never sees it — the safety key was never
// written, so no expiry event fires — and only the sweeper's SCAN-based
// repair removes it.
func (c *Controller) compensate(ctx context.Context, setKey, jobID string) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.client.SetRemove(cctx, setKey, jobID); err != nil {
		c.logger.Error("compensating reservation failed, member may be orphaned", "set_key", setKey, "job_id", jobID, "error", err)
	}
}

// MarkFinished releases a reservation: it deletes the safety key and
// removes jobId from the running-set. Both operations are idempotent, so
// MarkFinished is safe to call multiple times and safe to call when the
// reservation never succeeded in the first place (spec.md §4.E). Errors on
// these idempotent cleanup calls are logged and dropped — the expiry
// listener is the backstop if a delete or set-remove is lost.
func (c *Controller) MarkFinished(ctx context.Context, userID string, tierName string, jobID string) {
	safetyKey := keyspace.SafetyKey(userID, tierName, jobID)
	setKey := keyspace.RunningSet(userID, tierName)

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.client.Delete(cctx, safetyKey); err != nil {
		c.logger.Warn("deleting safety key failed", "job_id", jobID, "error", err)
	}
	if err := c.client.SetRemove(cctx, setKey, jobID); err != nil {
		c.logger.Warn("removing running-set member failed", "job_id", jobID, "error", err)
	}
}

// Tiers exposes the underlying tier table, e.g. so the expiry listener can
// validate tier names parsed out of expired keys.
func (c *Controller) Tiers() *tier.Table {
	return c.tiers
}
