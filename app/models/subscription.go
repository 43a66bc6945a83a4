package models

import "time"

// Subscription mirrors the payment gateway's subscription object locally,
// keyed by the Stripe subscription id. The reconciliation engine assumes at
// most one active subscription per user and merges violations as it sees
// them; the table itself does not enforce it.
type Subscription struct {
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	UserID               string     `json:"user_id"`
	StripePriceID        string     `json:"stripe_price_id"`
	Status               string     `json:"status"`
	CurrentPeriodStart   time.Time  `json:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelAt             *time.Time `json:"cancel_at,omitempty"`
}

// Active reports whether the subscription still entitles the user to a
// paid plan.
func (s *Subscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}
