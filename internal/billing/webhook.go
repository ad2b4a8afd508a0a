// Package billing maps Stripe webhook events onto license changes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	// ErrNotConfigured is returned when no webhook signing secret is set.
	ErrNotConfigured = errors.New("stripe webhook secret not configured")
	// ErrInvalidSignature is returned when the payload fails verification.
	ErrInvalidSignature = errors.New("invalid stripe signature")
	// ErrInvalidPayload is returned when a verified event cannot be decoded
	// or lacks the fields its mapping needs.
	ErrInvalidPayload = errors.New("invalid stripe event payload")
)

// Result describes what processing an event did.
type Result string

const (
	ResultApplied  Result = "applied"
	ResultIgnored  Result = "ignored"
	ResultNotFound Result = "not_found"
)

// LicenseWriter is the subset of license.Service the processor drives.
type LicenseWriter interface {
	Get(ctx context.Context, userID string) (*models.License, error)
	Upsert(ctx context.Context, grant models.LicenseGrant) (*models.License, error)
	SetActive(ctx context.Context, subscriptionID string, active bool) (*models.License, error)
}

// EventRecorder counts processed events.
type EventRecorder interface {
	RecordWebhookEvent(eventType, result string)
}

// Config configures a WebhookProcessor.
type Config struct {
	Secret string
	// Prices maps Stripe price ids to plans for subscription updates.
	Prices map[string]models.PlanType
}

// Outcome reports the handling of one event.
type Outcome struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Result  Result `json:"result"`
	UserID  string `json:"user_id,omitempty"`
}

// WebhookProcessor verifies Stripe events and applies them to licenses.
type WebhookProcessor struct {
	licenses LicenseWriter
	cfg      Config
	recorder EventRecorder
	logger   zerolog.Logger
}

// NewWebhookProcessor creates a processor. recorder may be nil.
func NewWebhookProcessor(licenses LicenseWriter, cfg Config, recorder EventRecorder, logger zerolog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		licenses: licenses,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With().Str("component", "stripe_webhook").Logger(),
	}
}

// Process verifies payload against the Stripe-Signature header value and
// applies the event. Unknown event types are acknowledged and ignored.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	if p.cfg.Secret == "" {
		return nil, ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.cfg.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn().Err(err).Msg("stripe signature verification failed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Outcome{EventID: event.ID, Type: string(event.Type)}
	out.Result, out.UserID, err = p.apply(ctx, event)
	if err != nil {
		p.record(out.Type, "error")
		p.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", out.Type).
			Msg("failed to apply stripe event")
		return nil, err
	}

	p.record(out.Type, string(out.Result))
	p.logger.Info().
		Str("event_id", event.ID).
		Str("type", out.Type).
		Str("result", string(out.Result)).
		Str("user_id", out.UserID).
		Msg("stripe event processed")
	return out, nil
}

func (p *WebhookProcessor) apply(ctx context.Context, event stripe.Event) (Result, string, error) {
	if event.Data == nil {
		return "", "", fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.applyCheckout(ctx, &sess)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.applySubscription(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.setActive(ctx, sub.ID, false)

	case "invoice.payment_failed", "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			// One-off invoices carry no subscription.
			return ResultIgnored, "", nil
		}
		return p.setActive(ctx, inv.Subscription.ID, event.Type != "invoice.payment_failed")

	default:
		return ResultIgnored, "", nil
	}
}

func (p *WebhookProcessor) applyCheckout(ctx context.Context, sess *stripe.CheckoutSession) (Result, string, error) {
	userID := sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata["user_id"]
	}
	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}
	if userID == "" || email == "" {
		return "", "", fmt.Errorf("%w: checkout session %s lacks user id or email", ErrInvalidPayload, sess.ID)
	}

	plan, ok := models.ParsePlanType(sess.Metadata["plan"])
	if !ok {
		p.logger.Warn().
			Str("session_id", sess.ID).
			Str("plan", sess.Metadata["plan"]).
			Msg("checkout session has no known plan, using starter")
		plan = models.PlanStarter
	}

	grant := models.LicenseGrant{
		UserID:   userID,
		Email:    email,
		PlanType: plan,
	}
	if sess.Customer != nil {
		grant.ExternalCustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		grant.ExternalSubscriptionID = sess.Subscription.ID
	}

	lic, err := p.licenses.Upsert(ctx, grant)
	if err != nil {
		return "", "", err
	}
	return ResultApplied, lic.UserID, nil
}

// applySubscription upserts only when the subscription is new to the user or
// its price maps to a different plan. Every other update, including
// cancel_at_period_end toggles and metadata edits, only sets the active flag:
// an upsert restarts the cycle and zeroes usage. Cycle rollover belongs to the
// reconciler.
func (p *WebhookProcessor) applySubscription(ctx context.Context, sub *stripe.Subscription) (Result, string, error) {
	if sub.ID == "" {
		return "", "", fmt.Errorf("%w: subscription without id", ErrInvalidPayload)
	}

	userID := sub.Metadata["user_id"]
	plan, hasPlan := p.planFor(sub)
	active := subscriptionActive(sub.Status)

	if userID == "" || !hasPlan || !active {
		return p.setActive(ctx, sub.ID, active)
	}

	current, err := p.licenses.Get(ctx, userID)
	switch {
	case errors.Is(err, license.ErrNotFound):
		current = nil
	case err != nil:
		return "", "", err
	}
	if current != nil && current.PlanType == plan && current.ExternalSubscriptionID == sub.ID {
		return p.setActive(ctx, sub.ID, active)
	}

	email := sub.Metadata["email"]
	if email == "" && sub.Customer != nil {
		email = sub.Customer.Email
	}
	if email == "" && current != nil {
		email = current.Email
	}
	if email == "" {
		// Without an email the record cannot be created, only toggled.
		return p.setActive(ctx, sub.ID, active)
	}

	grant := models.LicenseGrant{
		UserID:                 userID,
		Email:                  email,
		PlanType:               plan,
		ExternalSubscriptionID: sub.ID,
	}
	if sub.Customer != nil {
		grant.ExternalCustomerID = sub.Customer.ID
	}
	lic, err := p.licenses.Upsert(ctx, grant)
	if err != nil {
		return "", "", err
	}
	p.logger.Info().
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Str("plan", string(plan)).
		Msg("subscription bound or plan changed, new cycle started")
	return ResultApplied, lic.UserID, nil
}

func (p *WebhookProcessor) planFor(sub *stripe.Subscription) (models.PlanType, bool) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", false
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return "", false
	}
	plan, ok := p.cfg.Prices[item.Price.ID]
	return plan, ok
}

func (p *WebhookProcessor) setActive(ctx context.Context, subscriptionID string, active bool) (Result, string, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return "", "", fmt.Errorf("%w: missing subscription id", ErrInvalidPayload)
	}
	lic, err := p.licenses.SetActive(ctx, subscriptionID, active)
	if errors.Is(err, license.ErrNotFound) {
		p.logger.Warn().
			Str("subscription_id", subscriptionID).
			Bool("active", active).
			Msg("no license bound to subscription")
		return ResultNotFound, "", nil
	}
	if err != nil {
		return "", "", err
	}
	return ResultApplied, lic.UserID, nil
}

func (p *WebhookProcessor) record(eventType, result string) {
	if p.recorder != nil {
		p.recorder.RecordWebhookEvent(eventType, result)
	}
}

func subscriptionActive(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}
