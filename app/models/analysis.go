package models

import "time"

// AnalysisStatus is the lifecycle state of a landing-page analysis.
// Transitions are one-directional: pending -> processing -> completed|failed.
// completed and failed are terminal.
type AnalysisStatus string

const (
	StatusPending    AnalysisStatus = "pending"
	StatusProcessing AnalysisStatus = "processing"
	StatusCompleted  AnalysisStatus = "completed"
	StatusFailed     AnalysisStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s AnalysisStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Analysis is one user-submitted request to audit a URL. Owned exclusively
// by the worker pipeline once enqueued; clients poll Status for completion.
type Analysis struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	URL          string         `json:"url"`
	Status       AnalysisStatus `json:"status"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
