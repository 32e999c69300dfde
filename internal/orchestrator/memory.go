package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// #endregion

// #region schema

const tierOutcomesSchema = `
CREATE TABLE IF NOT EXISTS tier_outcomes (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id    TEXT NOT NULL,
    student_id    TEXT NOT NULL,
    tier          TEXT NOT NULL,
    served        INTEGER NOT NULL DEFAULT 0,
    reason        TEXT NOT NULL DEFAULT 'none',
    latency_ms    REAL NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
`

const tierOutcomesIndex = `
CREATE INDEX IF NOT EXISTS idx_tier_outcomes_tier
ON tier_outcomes(tier, created_at);
`

// DefaultHalfLife weights a week-old outcome at half of a fresh one.
const DefaultHalfLife = 7 * 24 * time.Hour

const minSamples = 3

// TierMemory persists tier outcomes in SQLite and queries decay-weighted results.
type TierMemory struct {
	db *sql.DB
}

// NewTierMemory initializes the tier_outcomes table and returns a TierMemory.
func NewTierMemory(db *sql.DB) (*TierMemory, error) {
	if _, err := db.Exec(tierOutcomesSchema); err != nil {
		return nil, fmt.Errorf("migrate tier_outcomes: %w", err)
	}
	if _, err := db.Exec(tierOutcomesIndex); err != nil {
		return nil, fmt.Errorf("index tier_outcomes: %w", err)
	}
	return &TierMemory{db: db}, nil
}

// #endregion

// #region record-outcome

// RecordOutcome persists a single tier outcome row. ctx bounds the wait for
// the shared connection as well as the insert.
func (m *TierMemory) RecordOutcome(ctx context.Context, rec OutcomeRecord) error {
	served := 0
	if rec.Served {
		served = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO tier_outcomes
		(request_id, student_id, tier, served, reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.StudentID,
		string(rec.Tier),
		served,
		rec.Reason,
		float64(rec.Latency.Microseconds())/1000,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// #endregion

// #region success-rate

// SuccessRate returns the decay-weighted share of attempts at tier that
// served the request, plus the sample count. Returns (0, n, nil) when fewer
// than 3 samples exist.
func (m *TierMemory) SuccessRate(tier Tier, halfLife time.Duration) (float64, int, error) {
	st, err := m.stats(tier, halfLife)
	if err != nil {
		return 0, 0, err
	}
	if st.Attempts < minSamples {
		return 0, st.Attempts, nil
	}
	return st.SuccessRate, st.Attempts, nil
}

// Stats returns decay-weighted stats for every tier in chain order.
func (m *TierMemory) Stats(halfLife time.Duration) ([]TierStats, error) {
	out := make([]TierStats, 0, len(Tiers))
	for _, t := range Tiers {
		st, err := m.stats(t, halfLife)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *TierMemory) stats(tier Tier, halfLife time.Duration) (TierStats, error) {
	rows, err := m.db.Query(`
		SELECT served, reason, created_at
		FROM tier_outcomes
		WHERE tier = ?`,
		string(tier),
	)
	if err != nil {
		return TierStats{}, err
	}
	defer rows.Close()

	now := time.Now()
	hl := halfLife.Hours()
	if hl <= 0 {
		hl = DefaultHalfLife.Hours()
	}

	var weightedServed, totalWeight float64
	count := 0
	reasons := make(map[string]int)

	for rows.Next() {
		var served int
		var reason, createdAtStr string
		if err := rows.Scan(&served, &reason, &createdAtStr); err != nil {
			return TierStats{}, err
		}
		createdAt, err := time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			continue
		}
		weight := math.Exp2(-now.Sub(createdAt).Hours() / hl)
		weightedServed += float64(served) * weight
		totalWeight += weight
		count++
		if served == 0 {
			reasons[reason]++
		}
	}
	if err := rows.Err(); err != nil {
		return TierStats{}, err
	}

	st := TierStats{Tier: tier, Attempts: count}
	if totalWeight > 0 {
		st.SuccessRate = weightedServed / totalWeight
	}
	best := 0
	for r, n := range reasons {
		if n > best || (n == best && r < st.TopReason) {
			best, st.TopReason = n, r
		}
	}
	return st, nil
}

// #endregion
