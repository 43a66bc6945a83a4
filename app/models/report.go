package models

import "time"

// Severity classifies how badly an issue hurts conversion.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is one of the three known severities.
func (s Severity) Valid() bool {
	return s == SeverityCritical || s == SeverityWarning || s == SeverityInfo
}

// Issue is a single conversion problem found on the page.
type Issue struct {
	Severity       Severity `json:"severity"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
}

// Category groups issues under one audit axis (headline, cta, trust, ...).
type Category struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Score  int     `json:"score"`
	Issues []Issue `json:"issues"`
}

// PageMetadata is the scrape-derived context stored alongside a report.
type PageMetadata struct {
	Title      string `json:"title"`
	LoadTimeMS int    `json:"load_time_ms"`
	WordCount  int    `json:"word_count"`
	ImageCount int    `json:"image_count"`
}

// Report is the structured output of a completed analysis. Created exactly
// once when the pipeline succeeds and never mutated afterward. Categories
// and issues are persisted as nested JSON, not normalized into tables.
type Report struct {
	ID            string        `json:"id"`
	AnalysisID    string        `json:"analysis_id"`
	Score         int           `json:"score"`
	Summary       string        `json:"summary"`
	Categories    []Category    `json:"categories"`
	ScreenshotURL string        `json:"screenshot_url,omitempty"`
	PageMetadata  *PageMetadata `json:"page_metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`

	// Populated on reads joined with the owning analysis.
	URL string `json:"url,omitempty"`
}

// CriticalCount returns the number of critical issues across all categories.
func (r *Report) CriticalCount() int {
	n := 0
	for _, cat := range r.Categories {
		for _, issue := range cat.Issues {
			if issue.Severity == SeverityCritical {
				n++
			}
		}
	}
	return n
}
