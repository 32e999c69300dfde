package orchestrator

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every pooled connection would get its own in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTierMemory_RecordAndQuery(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewTierMemory(db)
	if err != nil {
		t.Fatal(err)
	}

	// No data
	rate, n, err := mem.SuccessRate(TierPersonalized, DefaultHalfLife)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0 || n != 0 {
		t.Errorf("expected empty result, got rate=%f n=%d", rate, n)
	}

	// Two samples stay below the threshold
	for i := 0; i < 2; i++ {
		err := mem.RecordOutcome(context.Background(), OutcomeRecord{
			RequestID: "r1", StudentID: "s1", Tier: TierPersonalized,
			Served: true, Reason: "none", Latency: 40 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	rate, n, _ = mem.SuccessRate(TierPersonalized, DefaultHalfLife)
	if n != 2 || rate != 0 {
		t.Errorf("expected below-threshold (0, 2), got (%f, %d)", rate, n)
	}

	// Two failures bring the rate to one half
	for i := 0; i < 2; i++ {
		mem.RecordOutcome(context.Background(), OutcomeRecord{
			RequestID: "r2", StudentID: "s1", Tier: TierPersonalized,
			Served: false, Reason: "timeout",
		})
	}
	rate, n, _ = mem.SuccessRate(TierPersonalized, DefaultHalfLife)
	if n != 4 {
		t.Fatalf("expected 4 samples, got %d", n)
	}
	if math.Abs(rate-0.5) > 0.01 {
		t.Errorf("expected rate ~0.5, got %f", rate)
	}
}

func TestTierMemory_DecayFavoursRecent(t *testing.T) {
	mem, err := NewTierMemory(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-60 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		mem.RecordOutcome(context.Background(), OutcomeRecord{
			RequestID: "old", StudentID: "s1", Tier: TierSafePolicy,
			Served: false, Reason: "unavailable", CreatedAt: old,
		})
	}
	for i := 0; i < 3; i++ {
		mem.RecordOutcome(context.Background(), OutcomeRecord{
			RequestID: "new", StudentID: "s1", Tier: TierSafePolicy, Served: true,
		})
	}
	rate, n, _ := mem.SuccessRate(TierSafePolicy, DefaultHalfLife)
	if n != 8 {
		t.Fatalf("expected 8 samples, got %d", n)
	}
	if rate < 0.9 {
		t.Errorf("recent successes should dominate stale failures, got %f", rate)
	}
}

func TestTierMemory_StatsCoversChain(t *testing.T) {
	mem, err := NewTierMemory(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	mem.RecordOutcome(context.Background(), OutcomeRecord{RequestID: "a", StudentID: "s", Tier: TierPersonalized, Reason: "timeout"})
	mem.RecordOutcome(context.Background(), OutcomeRecord{RequestID: "b", StudentID: "s", Tier: TierPersonalized, Reason: "circuit_open"})
	mem.RecordOutcome(context.Background(), OutcomeRecord{RequestID: "c", StudentID: "s", Tier: TierPersonalized, Reason: "circuit_open"})
	mem.RecordOutcome(context.Background(), OutcomeRecord{RequestID: "c", StudentID: "s", Tier: TierHeuristic, Served: true, Reason: "none"})

	stats, err := mem.Stats(DefaultHalfLife)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != len(Tiers) {
		t.Fatalf("expected %d tiers, got %d", len(Tiers), len(stats))
	}
	for i, st := range stats {
		if st.Tier != Tiers[i] {
			t.Errorf("position %d: expected %s, got %s", i, Tiers[i], st.Tier)
		}
	}
	if stats[0].TopReason != "circuit_open" {
		t.Errorf("expected top reason circuit_open, got %q", stats[0].TopReason)
	}
	if stats[1].Attempts != 0 {
		t.Errorf("safe policy never attempted, got %d", stats[1].Attempts)
	}
	if stats[2].SuccessRate != 1 || stats[2].TopReason != "" {
		t.Errorf("heuristic stats wrong: %+v", stats[2])
	}
}

func TestTierRank(t *testing.T) {
	if !(TierPersonalized.Rank() > TierSafePolicy.Rank() && TierSafePolicy.Rank() > TierHeuristic.Rank()) {
		t.Error("tier ranks out of order")
	}
	if Tier("bogus").Rank() != 0 {
		t.Error("unknown tier should rank 0")
	}
}
