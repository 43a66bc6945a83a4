// Package models defines the typed entities shared by the API, the billing
// reconciliation engine and the analysis worker.
package models

import "time"

type Plan string

const (
	PlanFree   Plan = "free"
	PlanPro    Plan = "pro"
	PlanAgency Plan = "agency"
)

// Profile is a user account with its plan and quota counters.
// analyses_used < analyses_limit is the admission criterion for new
// analyses; the counter is only incremented after a verified success.
type Profile struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FullName         string     `json:"full_name,omitempty"`
	Plan             Plan       `json:"plan"`
	AnalysesUsed     int        `json:"analyses_used"`
	AnalysesLimit    int        `json:"analyses_limit"`
	AnalysesResetAt  *time.Time `json:"analyses_reset_at,omitempty"`
	StripeCustomerID string     `json:"stripe_customer_id,omitempty"`
}
