package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/subherald/subherald/internal/pkg/env"
)

// Processor-side subscription statuses we map from. The mapping lives in
// MapStatus; everything else in this file is plumbing around the Stripe SDK.
const (
	ProcessorStatusTrialing          = "trialing"
	ProcessorStatusActive            = "active"
	ProcessorStatusPastDue           = "past_due"
	ProcessorStatusUnpaid            = "unpaid"
	ProcessorStatusIncomplete        = "incomplete"
	ProcessorStatusIncompleteExpired = "incomplete_expired"
	ProcessorStatusCanceled          = "canceled"
	ProcessorStatusPaused            = "paused"
)

// StripeProcessor implements ProcessorClient against the Stripe API.
type StripeProcessor struct {
	client *stripe.Client
}

// NewStripeProcessorFromEnv builds the processor client from STRIPE_SECRET_KEY.
// Missing credentials return ErrNotConfigured so the daemon can refuse to
// start instead of failing on the first sync.
func NewStripeProcessorFromEnv() (*StripeProcessor, error) {
	apiKey := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	return NewStripeProcessor(apiKey), nil
}

// NewStripeProcessor builds the processor client with an explicit API key.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	return &StripeProcessor{client: stripe.NewClient(apiKey)}
}

// WebhookSecret returns the signing secret for inbound Stripe notifications.
func WebhookSecret() string {
	return strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
}

func (p *StripeProcessor) GetSubscription(ctx context.Context, subscriptionRef string) (*CanonicalSubscription, error) {
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionRef, nil)
	if err != nil {
		return nil, translateStripeError(err, subscriptionRef)
	}
	return normalizeSubscription(sub), nil
}

func (p *StripeProcessor) ListSubscriptions(ctx context.Context, customerRef string) ([]CanonicalSubscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerRef)
	params.Status = stripe.String("all")

	var out []CanonicalSubscription
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list subscriptions for %s: %w", customerRef, err)
		}
		out = append(out, *normalizeSubscription(sub))
	}
	return out, nil
}

func (p *StripeProcessor) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) (*CanonicalSubscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := p.client.V1Subscriptions.Update(ctx, subscriptionRef, params)
	if err != nil {
		return nil, translateStripeError(err, subscriptionRef)
	}
	return normalizeSubscription(sub), nil
}

func (p *StripeProcessor) CancelNow(ctx context.Context, subscriptionRef string) (*CanonicalSubscription, error) {
	sub, err := p.client.V1Subscriptions.Cancel(ctx, subscriptionRef, nil)
	if err != nil {
		return nil, translateStripeError(err, subscriptionRef)
	}
	return normalizeSubscription(sub), nil
}

// translateStripeError folds the SDK's missing-resource shape into ErrNotFound
// so callers can branch with errors.Is.
func translateStripeError(err error, subscriptionRef string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("subscription %s: %w", subscriptionRef, ErrNotFound)
		}
	}
	return fmt.Errorf("subscription %s: %w", subscriptionRef, err)
}

// normalizeSubscription maps the SDK struct onto the processor-neutral shape.
// Period boundaries live on the subscription item since Stripe moved them off
// the subscription object.
func normalizeSubscription(sub *stripe.Subscription) *CanonicalSubscription {
	canon := &CanonicalSubscription{
		SubscriptionRef:   sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
		TrialStart:        unixPtr(sub.TrialStart),
		TrialEnd:          unixPtr(sub.TrialEnd),
		Created:           time.Unix(sub.Created, 0).UTC(),
	}
	if sub.Customer != nil {
		canon.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		canon.PeriodStart = unixPtr(item.CurrentPeriodStart)
		canon.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
		if item.Price != nil {
			canon.PlanID = item.Price.ID
		}
	}
	return canon
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// SelectRelevant picks the subscription a sync should trust when the stored
// reference could not be retrieved: active beats trialing beats anything
// else, ties go to the most recently created record. Returns nil for an
// empty list.
func SelectRelevant(subs []CanonicalSubscription) *CanonicalSubscription {
	if len(subs) == 0 {
		return nil
	}
	ranked := make([]CanonicalSubscription, len(subs))
	copy(ranked, subs)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := statusRank(ranked[i].Status), statusRank(ranked[j].Status)
		if ri != rj {
			return ri > rj
		}
		return ranked[i].Created.After(ranked[j].Created)
	})
	return &ranked[0]
}

func statusRank(status string) int {
	switch status {
	case ProcessorStatusActive:
		return 2
	case ProcessorStatusTrialing:
		return 1
	default:
		return 0
	}
}
