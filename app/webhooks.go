package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
)

// Outcome is the webhook processing verdict. Accepted and Duplicate both
// acknowledge the delivery; Retry tells Stripe to deliver again.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetry:
		return "retry"
	default:
		return "accepted"
	}
}

// Critical event kinds change entitlements. A failure while handling one
// must surface as a retry; everything else is observed best-effort.
var criticalEvents = map[stripe.EventType]bool{
	"checkout.session.completed":    true,
	"customer.subscription.updated": true,
	"customer.subscription.deleted": true,
}

// PriceConfigError means Stripe referenced a price id that is not in our
// configuration. Deliberately retryable: a deploy with the fixed config
// picks the retried event up, and nothing gets silently downgraded.
type PriceConfigError struct {
	PriceID string
}

func (e *PriceConfigError) Error() string {
	return fmt.Sprintf("price id %q is not mapped to a plan", e.PriceID)
}

// SubscriptionFetcher pulls the current subscription state from Stripe.
// Checkout sessions carry only the subscription id, not its items.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// BillingStore is the slice of the data layer the engine needs.
type BillingStore interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	GetProfileByStripeCustomer(ctx context.Context, customerID string) (models.Profile, error)
	ApplyPlan(ctx context.Context, userID string, plan models.Plan, limit int) error
	ApplyPlanWithReset(ctx context.Context, userID string, plan models.Plan, limit int, resetAt time.Time) error
	ResetQuota(ctx context.Context, userID string, resetAt *time.Time) error
	UpsertSubscription(ctx context.Context, sub models.Subscription) error
	GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error
}

// BillingEngine reconciles Stripe webhook events into local plan and
// subscription state.
type BillingEngine struct {
	store   BillingStore
	cache   *EventCache
	stripe  SubscriptionFetcher
	mailer  Mailer
	metrics *Metrics
	cfg     *config.Config
}

func NewBillingEngine(store BillingStore, cache *EventCache, fetcher SubscriptionFetcher, mailer Mailer, metrics *Metrics, cfg *config.Config) *BillingEngine {
	return &BillingEngine{
		store:   store,
		cache:   cache,
		stripe:  fetcher,
		mailer:  mailer,
		metrics: metrics,
		cfg:     cfg,
	}
}

// HandleEvent runs one verified webhook delivery through the dedup gate
// and the per-kind handler, and classifies the result.
func (b *BillingEngine) HandleEvent(ctx context.Context, event stripe.Event) Outcome {
	outcome := b.handle(ctx, event)
	b.metrics.WebhookEvent(string(event.Type), outcome.String())
	return outcome
}

func (b *BillingEngine) handle(ctx context.Context, event stripe.Event) Outcome {
	logger := log.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	critical := criticalEvents[event.Type]

	claimed, err := b.cache.MarkProcessing(ctx, event.ID)
	if err != nil {
		logger.WithError(err).Error("webhook_dedup_unavailable")
		if critical {
			return OutcomeRetry
		}
		// observe-only events are not worth a retry storm while Redis
		// is down
		claimed = true
	}
	if !claimed {
		logger.Info("webhook_duplicate_skipped")
		return OutcomeDuplicate
	}

	err = b.dispatch(ctx, logger, event)
	if err == nil {
		logger.Info("webhook_processed")
		return OutcomeAccepted
	}

	// release the marker so a redelivery is processed, not deduped. This
	// holds for non-critical events too: we acknowledge them, but a manual
	// replay from the Stripe dashboard must not hit a stale dedup record.
	if clearErr := b.cache.Clear(ctx, event.ID); clearErr != nil {
		logger.WithError(clearErr).Error("webhook_marker_clear_failed")
	}

	if critical {
		logger.WithError(err).Error("webhook_critical_failed")
		return OutcomeRetry
	}

	logger.WithError(err).Warn("webhook_noncritical_failed")
	return OutcomeAccepted
}

func (b *BillingEngine) dispatch(ctx context.Context, logger *log.Entry, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return b.handleCheckoutCompleted(ctx, logger, event)
	case "customer.subscription.updated":
		return b.handleSubscriptionUpdated(ctx, logger, event)
	case "customer.subscription.deleted":
		return b.handleSubscriptionDeleted(ctx, logger, event)
	case "invoice.payment_succeeded":
		return b.handlePaymentSucceeded(ctx, logger, event)
	case "invoice.payment_failed":
		return b.handlePaymentFailed(ctx, logger, event)
	default:
		logger.Debug("webhook_event_ignored")
		return nil
	}
}

// planForPrice maps a Stripe price id onto a plan. The mapping is closed:
// an id outside it is a configuration error, never a silent free fallback.
func (b *BillingEngine) planForPrice(priceID string) (models.Plan, error) {
	switch priceID {
	case b.cfg.Stripe.PriceIDProMonthly:
		return models.PlanPro, nil
	case b.cfg.Stripe.PriceIDAgencyMonthly:
		return models.PlanAgency, nil
	default:
		return "", &PriceConfigError{PriceID: priceID}
	}
}

func (b *BillingEngine) handleCheckoutCompleted(ctx context.Context, logger *log.Entry, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decoding checkout session: %w", err)
	}

	// A profile that cannot be resolved here is data corruption, not a
	// transient state; the error still surfaces as a retry because this
	// is a critical event.
	profile, err := b.profileForCheckout(ctx, &session)
	if err != nil {
		return err
	}
	userID := profile.ID
	if session.Subscription == nil {
		return errors.New("checkout session carries no subscription")
	}

	// the session payload only references the subscription by id
	sub, err := b.stripe.FetchSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("fetching subscription %s: %w", session.Subscription.ID, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", sub.ID)
	}

	priceID := sub.Items.Data[0].Price.ID
	plan, err := b.planForPrice(priceID)
	if err != nil {
		return err
	}

	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	if err := b.store.ApplyPlanWithReset(ctx, userID, plan, b.cfg.LimitForPlan(string(plan)), periodEnd); err != nil {
		return err
	}
	if err := b.recordSubscription(ctx, logger, userID, sub, priceID); err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"user_id": userID,
		"plan":    plan,
	}).Info("checkout_completed_plan_applied")

	if b.mailer != nil {
		if err := b.mailer.SendSubscriptionStarted(ctx, profile.Email, profile.FullName, string(plan)); err != nil {
			logger.WithError(err).Warn("subscription_email_failed")
		}
	}
	return nil
}

// profileForCheckout resolves the buying profile from the session's user
// reference, falling back to the gateway customer id.
func (b *BillingEngine) profileForCheckout(ctx context.Context, session *stripe.CheckoutSession) (models.Profile, error) {
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID != "" {
		return b.store.GetProfile(ctx, userID)
	}
	if session.Customer != nil {
		return b.store.GetProfileByStripeCustomer(ctx, session.Customer.ID)
	}
	return models.Profile{}, errors.New("checkout session carries no user reference")
}

func (b *BillingEngine) handleSubscriptionUpdated(ctx context.Context, logger *log.Entry, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decoding subscription: %w", err)
	}

	profile, err := b.profileForSubscription(ctx, &sub)
	if err != nil {
		return err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", sub.ID)
	}
	priceID := sub.Items.Data[0].Price.ID

	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		// entitlement changes for lapsed subscriptions arrive as
		// subscription.deleted; here we only track the state
		logger.WithField("status", sub.Status).Info("subscription_update_inactive")
		return b.store.UpsertSubscription(ctx, localSubscription(profile.ID, &sub, priceID))
	}

	plan, err := b.planForPrice(priceID)
	if err != nil {
		return err
	}

	// A resubmitted update for the same plan must not refill the period.
	if plan != profile.Plan {
		periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		if err := b.store.ApplyPlanWithReset(ctx, profile.ID, plan, b.cfg.LimitForPlan(string(plan)), periodEnd); err != nil {
			return err
		}
		logger.WithFields(log.Fields{
			"user_id":  profile.ID,
			"old_plan": profile.Plan,
			"new_plan": plan,
		}).Info("subscription_plan_changed")
	} else {
		if err := b.store.ApplyPlan(ctx, profile.ID, plan, b.cfg.LimitForPlan(string(plan))); err != nil {
			return err
		}
		logger.WithField("user_id", profile.ID).Info("subscription_update_no_plan_change")
	}

	return b.recordSubscription(ctx, logger, profile.ID, &sub, priceID)
}

func (b *BillingEngine) handleSubscriptionDeleted(ctx context.Context, logger *log.Entry, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decoding subscription: %w", err)
	}

	profile, err := b.profileForSubscription(ctx, &sub)
	if errors.Is(err, sql.ErrNoRows) {
		// account already deleted; nothing to downgrade
		logger.Info("subscription_deleted_no_profile")
		return nil
	}
	if err != nil {
		return err
	}

	if err := b.store.ApplyPlan(ctx, profile.ID, models.PlanFree, b.cfg.Quota.Free); err != nil {
		return err
	}
	if err := b.store.UpdateSubscriptionStatus(ctx, sub.ID, "canceled"); err != nil {
		return err
	}

	logger.WithField("user_id", profile.ID).Info("subscription_deleted_downgraded")
	return nil
}

func (b *BillingEngine) handlePaymentSucceeded(ctx context.Context, logger *log.Entry, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("decoding invoice: %w", err)
	}
	if invoice.Customer == nil {
		return nil
	}
	// only a renewal starts a new usage period; the initial invoice's
	// reset already happened via checkout.session.completed
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return nil
	}

	profile, err := b.store.GetProfileByStripeCustomer(ctx, invoice.Customer.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	var resetAt *time.Time
	if invoice.Lines != nil && len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period != nil {
		t := time.Unix(invoice.Lines.Data[0].Period.End, 0).UTC()
		resetAt = &t
	}
	if err := b.store.ResetQuota(ctx, profile.ID, resetAt); err != nil {
		return err
	}
	logger.WithField("user_id", profile.ID).Info("renewal_quota_reset")
	return nil
}

func (b *BillingEngine) handlePaymentFailed(ctx context.Context, logger *log.Entry, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("decoding invoice: %w", err)
	}
	if invoice.Customer == nil {
		return nil
	}

	profile, err := b.store.GetProfileByStripeCustomer(ctx, invoice.Customer.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	// no entitlement change here: Stripe dunning either recovers the
	// payment or ends in subscription.deleted
	logger.WithField("user_id", profile.ID).Warn("payment_failed")
	if b.mailer != nil {
		if err := b.mailer.SendPaymentFailed(ctx, profile.Email, profile.FullName); err != nil {
			logger.WithError(err).Warn("payment_failed_email_failed")
		}
	}
	return nil
}

// profileForSubscription resolves the owning profile, preferring the
// explicit metadata reference over the customer id.
func (b *BillingEngine) profileForSubscription(ctx context.Context, sub *stripe.Subscription) (models.Profile, error) {
	if userID := sub.Metadata["user_id"]; userID != "" {
		return b.store.GetProfile(ctx, userID)
	}
	if sub.Customer == nil {
		return models.Profile{}, fmt.Errorf("subscription %s carries no customer", sub.ID)
	}
	return b.store.GetProfileByStripeCustomer(ctx, sub.Customer.ID)
}

// recordSubscription upserts the local mirror and enforces the one-active-
// subscription expectation by superseding any other active row.
func (b *BillingEngine) recordSubscription(ctx context.Context, logger *log.Entry, userID string, sub *stripe.Subscription, priceID string) error {
	if existing, err := b.store.GetActiveSubscription(ctx, userID); err != nil {
		return err
	} else if existing != nil && existing.StripeSubscriptionID != sub.ID {
		logger.WithFields(log.Fields{
			"user_id":      userID,
			"existing_sub": existing.StripeSubscriptionID,
			"incoming_sub": sub.ID,
		}).Warn("multiple_active_subscriptions_merged")
		if err := b.store.UpdateSubscriptionStatus(ctx, existing.StripeSubscriptionID, "superseded"); err != nil {
			return err
		}
	}

	return b.store.UpsertSubscription(ctx, localSubscription(userID, sub, priceID))
}

func localSubscription(userID string, sub *stripe.Subscription, priceID string) models.Subscription {
	local := models.Subscription{
		StripeSubscriptionID: sub.ID,
		UserID:               userID,
		StripePriceID:        priceID,
		Status:               string(sub.Status),
		CurrentPeriodStart:   time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.CancelAt > 0 {
		t := time.Unix(sub.CancelAt, 0).UTC()
		local.CancelAt = &t
	}
	return local
}
