package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	portalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
)

// ErrAlreadySubscribed is returned when a checkout targets the price the
// user is already paying for.
var ErrAlreadySubscribed = errors.New("already subscribed to this plan")

// GatewayStore is the slice of the data layer the Stripe gateway needs.
type GatewayStore interface {
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub models.Subscription) error
	ApplyPlanWithReset(ctx context.Context, userID string, plan models.Plan, limit int, resetAt time.Time) error
}

// CheckoutResult is either a redirect to Stripe Checkout or a completed
// in-place plan change on the existing subscription.
type CheckoutResult struct {
	URL      string      `json:"url,omitempty"`
	Upgraded bool        `json:"upgraded"`
	Plan     models.Plan `json:"plan,omitempty"`
}

// StripeGateway wraps the Stripe API for checkout, upgrades and the
// customer portal.
type StripeGateway struct {
	store GatewayStore
	cfg   *config.Config
}

func NewStripeGateway(store GatewayStore, cfg *config.Config) *StripeGateway {
	stripe.Key = cfg.Stripe.SecretKey
	return &StripeGateway{store: store, cfg: cfg}
}

// FetchSubscription implements SubscriptionFetcher for the webhook engine.
func (g *StripeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return subscription.Get(subscriptionID, params)
}

func (g *StripeGateway) planForPrice(priceID string) (models.Plan, error) {
	switch priceID {
	case g.cfg.Stripe.PriceIDProMonthly:
		return models.PlanPro, nil
	case g.cfg.Stripe.PriceIDAgencyMonthly:
		return models.PlanAgency, nil
	default:
		return "", &PriceConfigError{PriceID: priceID}
	}
}

// EnsureCustomer returns the profile's Stripe customer id, creating the
// customer on first use.
func (g *StripeGateway) EnsureCustomer(ctx context.Context, profile models.Profile) (string, error) {
	if profile.StripeCustomerID != "" {
		return profile.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(profile.Email),
	}
	params.Context = ctx
	if profile.FullName != "" {
		params.Name = stripe.String(profile.FullName)
	}
	params.AddMetadata("user_id", profile.ID)

	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("creating stripe customer: %w", err)
	}
	if err := g.store.SetStripeCustomerID(ctx, profile.ID, c.ID); err != nil {
		return "", err
	}

	log.WithField("user_id", profile.ID).Info("stripe_customer_created")
	return c.ID, nil
}

// StartCheckout either opens a Checkout session for the given price or,
// when the user already has an active subscription, swaps its price in
// place with prorations instead of stacking a second subscription.
func (g *StripeGateway) StartCheckout(ctx context.Context, profile models.Profile, priceID string) (CheckoutResult, error) {
	plan, err := g.planForPrice(priceID)
	if err != nil {
		return CheckoutResult{}, err
	}

	customerID, err := g.EnsureCustomer(ctx, profile)
	if err != nil {
		return CheckoutResult{}, err
	}

	existing, err := g.store.GetActiveSubscription(ctx, profile.ID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if existing != nil {
		result, handled, err := g.upgradeInPlace(ctx, profile, existing.StripeSubscriptionID, priceID, plan)
		if handled || err != nil {
			return result, err
		}
		// the stored subscription turned out to be stale; fall through
		// to a fresh checkout
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(profile.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(g.cfg.FrontendURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(g.cfg.FrontendURL + "/pricing"),
	}
	params.Context = ctx

	s, err := checkoutsession.New(params)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("creating checkout session: %w", err)
	}
	return CheckoutResult{URL: s.URL}, nil
}

// upgradeInPlace swaps the price on a live subscription. handled=false
// means the subscription is no longer active on Stripe's side and the
// caller should start a normal checkout.
func (g *StripeGateway) upgradeInPlace(ctx context.Context, profile models.Profile, subscriptionID, priceID string, plan models.Plan) (CheckoutResult, bool, error) {
	current, err := g.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		return CheckoutResult{}, true, fmt.Errorf("fetching subscription %s: %w", subscriptionID, err)
	}
	if current.Status != stripe.SubscriptionStatusActive && current.Status != stripe.SubscriptionStatusTrialing {
		return CheckoutResult{}, false, nil
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return CheckoutResult{}, true, fmt.Errorf("subscription %s has no items", subscriptionID)
	}
	item := current.Items.Data[0]
	if item.Price != nil && item.Price.ID == priceID {
		return CheckoutResult{}, true, ErrAlreadySubscribed
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(item.ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx

	updated, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return CheckoutResult{}, true, fmt.Errorf("upgrading subscription %s: %w", subscriptionID, err)
	}

	// Optimistic local apply; the subscription.updated webhook will
	// reconcile the same state shortly after.
	periodEnd := time.Unix(updated.CurrentPeriodEnd, 0).UTC()
	if err := g.store.ApplyPlanWithReset(ctx, profile.ID, plan, g.cfg.LimitForPlan(string(plan)), periodEnd); err != nil {
		return CheckoutResult{}, true, err
	}
	if err := g.store.UpsertSubscription(ctx, localSubscription(profile.ID, updated, priceID)); err != nil {
		return CheckoutResult{}, true, err
	}

	log.WithFields(log.Fields{
		"user_id": profile.ID,
		"plan":    plan,
	}).Info("subscription_upgraded_in_place")

	return CheckoutResult{Upgraded: true, Plan: plan}, true, nil
}

// PortalURL opens a Stripe customer portal session for self-service
// billing management.
func (g *StripeGateway) PortalURL(ctx context.Context, profile models.Profile) (string, error) {
	customerID, err := g.EnsureCustomer(ctx, profile)
	if err != nil {
		return "", err
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(g.cfg.FrontendURL + "/settings/billing"),
	}
	params.Context = ctx

	s, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("creating portal session: %w", err)
	}
	return s.URL, nil
}
