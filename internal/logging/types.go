package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table: which tier
// served a request and why any higher tier was skipped.
type ProvenanceEntry struct {
	RequestID      string    `json:"request_id"`
	StudentID      string    `json:"student_id"`
	Tier           string    `json:"tier"`
	ContentID      string    `json:"content_id,omitempty"`
	DowngradesJSON string    `json:"downgrades,omitempty"` // [{"from":"PERSONALIZED","reason":"timeout"}]
	VersionID      string    `json:"version_id,omitempty"` // state version persisted for this request, "" on failure
	Decision       string    `json:"decision"`             // "served" | "served_unpersisted" | "failed"
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
// #endregion provenance-entry

// #region downgrade-record
// DowngradeRecord is the JSON shape stored in DowngradesJSON.
type DowngradeRecord struct {
	From   string `json:"from"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}
// #endregion downgrade-record
