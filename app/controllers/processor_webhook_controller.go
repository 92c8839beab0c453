package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/app/repository"
	"github.com/subherald/subherald/internal/pkg/billing"
	"github.com/subherald/subherald/internal/pkg/events"
)

const processorWebhookTimeout = 20 * time.Second

var processorWebhook struct {
	service *billing.Service
	sink    billing.EventSink
	secret  string
}

// InitProcessorWebhook wires the inbound Stripe intake with the reconciler,
// the event sink and the endpoint signing secret. Must run before the route
// is served.
func InitProcessorWebhook(service *billing.Service, sink billing.EventSink, secret string) {
	processorWebhook.service = service
	processorWebhook.sink = sink
	processorWebhook.secret = secret
}

// HandleProcessorWebhook receives Stripe notifications on POST
// /webhooks/stripe. Signature verification happens before anything is
// stored; redeliveries of cleanly processed events are acknowledged without
// acting. A processing failure returns 5xx so Stripe redelivers, and that
// redelivery is processed again.
func HandleProcessorWebhook(c *fiber.Ctx) error {
	if processorWebhook.secret == "" {
		fiberlog.Error("[ProcessorWebhook] STRIPE_WEBHOOK_SECRET is not configured")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "webhook intake not configured"})
	}

	body := c.Body()
	event, err := stripe.ConstructEvent(body, c.Get("Stripe-Signature"), processorWebhook.secret)
	if err != nil {
		fiberlog.Warnf("[ProcessorWebhook] Signature verification failed: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	}

	repo := repository.GetGlobalFactory().GetProcessorEventRepository()
	created, record, err := repo.CreateIfNotExists(&models.ProcessorEvent{
		Provider:        models.ProcessorStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(body),
		SignatureValid:  true,
	})
	if err != nil {
		fiberlog.Errorf("[ProcessorWebhook] Failed to record event %s: %v", event.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record event"})
	}
	if alreadyProcessed(created, record) {
		// Redelivery of an event we already acted on.
		fiberlog.Debugf("[ProcessorWebhook] Duplicate event %s, acknowledging", event.ID)
		return c.JSON(fiber.Map{"status": "duplicate"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), processorWebhookTimeout)
	defer cancel()

	processingErr := processProcessorEvent(ctx, &event)

	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	if err := repo.MarkProcessed(record.ID, errMsg); err != nil {
		fiberlog.Errorf("[ProcessorWebhook] Failed to mark event %s processed: %v", event.ID, err)
	}

	if processingErr != nil {
		fiberlog.Errorf("[ProcessorWebhook] Processing %s (%s) failed: %v", event.ID, event.Type, processingErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing failed"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// alreadyProcessed reports whether an earlier delivery of this notification
// finished cleanly. A row without a processed_at stamp (or carrying an error)
// belongs to a failed run, and the redelivery Stripe sends after our 5xx must
// run the processing again rather than be acknowledged as a duplicate.
func alreadyProcessed(created bool, record *models.ProcessorEvent) bool {
	if created {
		return false
	}
	return record.ProcessedAt != nil && record.ProcessingError == ""
}

func processProcessorEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return processSubscriptionEvent(ctx, event)
	case "invoice.paid", "invoice.payment_succeeded":
		return processInvoiceEvent(ctx, event, events.TypePaymentSucceeded)
	case "invoice.payment_failed":
		return processInvoiceEvent(ctx, event, events.TypePaymentFailed)
	default:
		// Unsubscribed event type, acknowledge without acting.
		return nil
	}
}

// processSubscriptionEvent resolves the affected subscriber and runs a full
// reconciliation instead of trusting the pushed object. The push is only the
// trigger; the canonical read happens inside Sync.
func processSubscriptionEvent(ctx context.Context, event *stripe.Event) error {
	customerRef, err := extractCustomerRef(event.Data.Raw)
	if err != nil {
		return err
	}
	if customerRef == "" {
		return nil
	}

	mirror, err := findMirrorByCustomerRef(customerRef)
	if err != nil || mirror == nil {
		return err
	}

	if _, err := processorWebhook.service.Sync(ctx, mirror.SubscriberID); err != nil {
		if errors.Is(err, billing.ErrConflict) {
			// A concurrent sync already advanced the mirror.
			return nil
		}
		return fmt.Errorf("sync subscriber %s: %w", mirror.SubscriberID, err)
	}
	return nil
}

func processInvoiceEvent(_ context.Context, event *stripe.Event, t events.Type) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}

	customerRef, err := extractCustomerRef(event.Data.Raw)
	if err != nil {
		return err
	}
	if customerRef == "" {
		return nil
	}

	mirror, err := findMirrorByCustomerRef(customerRef)
	if err != nil || mirror == nil {
		return err
	}

	amount := invoice.AmountPaid
	if t == events.TypePaymentFailed {
		amount = invoice.AmountDue
	}

	// The provider's event timestamp keys the correlation id, so a Stripe
	// redelivery that slips past the dedup row still builds the same event.
	built, err := events.BuildPayment(t, mirror.SubscriberID, events.PaymentInfo{
		AmountCents: amount,
		Currency:    string(invoice.Currency),
		InvoiceRef:  invoice.ID,
	}, time.Unix(event.Created, 0))
	if err != nil {
		return err
	}
	return processorWebhook.sink.Trigger(built)
}

// findMirrorByCustomerRef returns nil, nil for customers without a local
// account; those notifications are acknowledged and dropped.
func findMirrorByCustomerRef(customerRef string) (*models.SubscriberMirror, error) {
	mirror, err := repository.GetGlobalFactory().GetMirrorRepository().GetByCustomerRef(customerRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fiberlog.Debugf("[ProcessorWebhook] No mirror for customer %s, ignoring", customerRef)
			return nil, nil
		}
		return nil, fmt.Errorf("lookup customer %s: %w", customerRef, err)
	}
	return mirror, nil
}

// extractCustomerRef pulls the customer id out of the raw object. Depending
// on expansion Stripe sends either a bare id string or an embedded object.
func extractCustomerRef(raw json.RawMessage) (string, error) {
	var envelope struct {
		Customer json.RawMessage `json:"customer"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("unmarshal processor object: %w", err)
	}
	if len(envelope.Customer) == 0 {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(envelope.Customer, &id); err == nil {
		return id, nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(envelope.Customer, &obj); err != nil {
		return "", fmt.Errorf("unmarshal customer ref: %w", err)
	}
	return obj.ID, nil
}
