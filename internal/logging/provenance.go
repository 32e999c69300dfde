package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// #region schema
const provenanceSchema = `
CREATE TABLE IF NOT EXISTS provenance_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id      TEXT NOT NULL,
	student_id      TEXT NOT NULL,
	tier            TEXT NOT NULL,
	content_id      TEXT,
	downgrades_json TEXT,
	version_id      TEXT,
	decision        TEXT NOT NULL,
	reason          TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provenance_student ON provenance_log(student_id, created_at);
`

// EnsureProvenanceSchema creates the provenance_log table if needed.
func EnsureProvenanceSchema(db *sql.DB) error {
	if _, err := db.Exec(provenanceSchema); err != nil {
		return fmt.Errorf("provenance schema: %w", err)
	}
	return nil
}
// #endregion schema

// #region log-decision

// DefaultAuditTimeout bounds an audit write when the caller configures none.
const DefaultAuditTimeout = 50 * time.Millisecond

// AuditContext returns a context for audit writes made on the request path:
// detached from the request's cancellation and bounded by timeout.
func AuditContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(ctx context.Context, db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO provenance_log (request_id, student_id, tier, content_id, downgrades_json, version_id, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID,
		entry.StudentID,
		entry.Tier,
		nullIfEmpty(entry.ContentID),
		nullIfEmpty(entry.DowngradesJSON),
		nullIfEmpty(entry.VersionID),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}
// #endregion log-decision

// #region recent
// RecentDecisions returns the latest provenance rows for a student, newest first.
func RecentDecisions(db *sql.DB, studentID string, limit int) ([]ProvenanceEntry, error) {
	rows, err := db.Query(
		`SELECT request_id, student_id, tier, content_id, downgrades_json, version_id, decision, reason, created_at
		 FROM provenance_log WHERE student_id = ? ORDER BY id DESC LIMIT ?`, studentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var contentID, downgrades, versionID, reason sql.NullString
		var createdStr string
		if err := rows.Scan(&e.RequestID, &e.StudentID, &e.Tier, &contentID, &downgrades, &versionID, &e.Decision, &reason, &createdStr); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		e.ContentID = contentID.String
		e.DowngradesJSON = downgrades.String
		e.VersionID = versionID.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, e)
	}
	return out, rows.Err()
}
// #endregion recent

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
