package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/bulkimport/pkg/keyspace"
	"github.com/wisbric/bulkimport/pkg/store"
	"github.com/wisbric/bulkimport/pkg/tier"
)

func newTestSweeper(t *testing.T) (*Sweeper, store.Client) {
	t.Helper()
	_, client, _ := newTestListener(t)
	return NewSweeper(client, tier.Default(), testLogger(), time.Minute), client
}

func TestSweep_RemovesOrphanWithNoSafetyKey(t *testing.T) {
	sweeper, client := newTestSweeper(t)
	ctx := context.Background()

	setKey := keyspace.RunningSet("u1", "MEDIUM")
	if err := client.SetAdd(ctx, setKey, "orphan"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}
	// A live reservation: safety key present, must survive the sweep.
	if err := client.SetAdd(ctx, setKey, "live"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}
	if err := client.SetWithTTL(ctx, keyspace.SafetyKey("u1", "MEDIUM", "live"), "MEDIUM", 600); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	members, err := client.SetMembers(ctx, setKey)
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "live" {
		t.Errorf("running set after sweep = %v, want [live]", members)
	}
}

func TestSweep_IgnoresUnknownTiers(t *testing.T) {
	sweeper, client := newTestSweeper(t)
	ctx := context.Background()

	// A well-formed running-set key whose tier is not in the table: the
	// sweeper must skip it, without aborting the sweep.
	if err := client.SetAdd(ctx, "user:u2:BOGUS:jobs", "j1"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	members, err := client.SetMembers(ctx, "user:u2:BOGUS:jobs")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("expected unknown-tier set to be left untouched, got %v", members)
	}
}

func TestSweep_NoOrphansIsNoOp(t *testing.T) {
	sweeper, client := newTestSweeper(t)
	ctx := context.Background()

	setKey := keyspace.RunningSet("u3", "SMALL")
	if err := client.SetAdd(ctx, setKey, "live1"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}
	if err := client.SetWithTTL(ctx, keyspace.SafetyKey("u3", "SMALL", "live1"), "SMALL", 600); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	members, _ := client.SetMembers(ctx, setKey)
	if len(members) != 1 {
		t.Errorf("expected live member to survive sweep, got %v", members)
	}
}
