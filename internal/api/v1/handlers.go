package apiv1

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/app/repository"
	"github.com/subherald/subherald/internal/pkg/billing"
	"github.com/subherald/subherald/internal/pkg/lifecycle"
	"github.com/subherald/subherald/internal/pkg/webhooks"
)

const (
	requestTimeout  = 30 * time.Second
	defaultPageSize = 50
	maxPageSize     = 200
)

var validate = validator.New()

// APIServer serves the token-protected ops surface: reconciliation triggers,
// lifecycle status reads, delivery-attempt visibility and the manual retry
// sweep.
type APIServer struct {
	service *billing.Service
	engine  *webhooks.Engine
}

// NewAPIServer creates a new API server instance
func NewAPIServer(service *billing.Service, engine *webhooks.Engine) *APIServer {
	return &APIServer{service: service, engine: engine}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

type provisionRequest struct {
	SubscriberID string `json:"subscriber_id" validate:"required,max=64"`
	CustomerRef  string `json:"customer_ref" validate:"max=191"`
	PlanID       string `json:"plan_id" validate:"max=50"`
	TrialDays    int    `json:"trial_days" validate:"gte=0,lte=365"`
}

// PostProvision creates the local mirror for a new account, implicitly in
// trial. Calling it again for the same subscriber returns the existing
// mirror unchanged.
func (s *APIServer) PostProvision(c *fiber.Ctx) error {
	var req provisionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx, cancel := requestContext()
	defer cancel()

	mirror, err := s.service.Provision(ctx, req.SubscriberID, req.CustomerRef, req.PlanID, req.TrialDays)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(mirror)
}

// GetSubscriber returns the locally mirrored lifecycle state. Never calls
// the processor.
func (s *APIServer) GetSubscriber(c *fiber.Ctx) error {
	subscriberID := subscriberParam(c)
	if subscriberID == "" {
		return badRequest(c, "subscriber id missing")
	}

	ctx, cancel := requestContext()
	defer cancel()

	mirror, err := s.service.GetStatus(ctx, subscriberID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(mirror)
}

// PostSubscriberSync forces a reconciliation against the processor.
func (s *APIServer) PostSubscriberSync(c *fiber.Ctx) error {
	subscriberID := subscriberParam(c)
	if subscriberID == "" {
		return badRequest(c, "subscriber id missing")
	}

	ctx, cancel := requestContext()
	defer cancel()

	mirror, err := s.service.Sync(ctx, subscriberID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(mirror)
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

// PostSubscriberCancel records a cancellation, scheduled for period end by
// default or effective immediately when requested.
func (s *APIServer) PostSubscriberCancel(c *fiber.Ctx) error {
	subscriberID := subscriberParam(c)
	if subscriberID == "" {
		return badRequest(c, "subscriber id missing")
	}

	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	ctx, cancel := requestContext()
	defer cancel()

	mirror, err := s.service.Cancel(ctx, subscriberID, req.Immediate)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(mirror)
}

// GetSubscriberEvents lists the built lifecycle events for one subscriber,
// newest first.
func (s *APIServer) GetSubscriberEvents(c *fiber.Ctx) error {
	subscriberID := subscriberParam(c)
	if subscriberID == "" {
		return badRequest(c, "subscriber id missing")
	}
	offset, limit := pagination(c)

	list, err := repository.GetGlobalFactory().GetEventRepository().ListBySubscriber(subscriberID, offset, limit)
	if err != nil {
		fiberlog.Errorf("[API] Failed to list events for %s: %v", subscriberID, err)
		return internalError(c)
	}
	return c.JSON(fiber.Map{"events": list, "offset": offset, "limit": limit})
}

// GetDeliveries lists delivery attempts, filterable by state and endpoint.
func (s *APIServer) GetDeliveries(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	repo := repository.GetGlobalFactory().GetAttemptRepository()

	if v := strings.TrimSpace(c.Query("endpoint_id")); v != "" {
		endpointID, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return badRequest(c, "invalid endpoint_id")
		}
		list, err := repo.ListByEndpoint(uint(endpointID), offset, limit)
		if err != nil {
			fiberlog.Errorf("[API] Failed to list deliveries for endpoint %d: %v", endpointID, err)
			return internalError(c)
		}
		return c.JSON(fiber.Map{"deliveries": list, "offset": offset, "limit": limit})
	}

	state := models.DeliveryState(strings.TrimSpace(c.Query("state", string(models.DeliveryStatePending))))
	switch state {
	case models.DeliveryStatePending, models.DeliveryStateDelivered, models.DeliveryStateExhausted:
	default:
		return badRequest(c, "invalid state")
	}

	list, err := repo.ListByState(state, offset, limit)
	if err != nil {
		fiberlog.Errorf("[API] Failed to list %s deliveries: %v", state, err)
		return internalError(c)
	}

	total, err := repo.CountByState(state)
	if err != nil {
		fiberlog.Errorf("[API] Failed to count %s deliveries: %v", state, err)
		return internalError(c)
	}
	return c.JSON(fiber.Map{"deliveries": list, "total": total, "offset": offset, "limit": limit})
}

// PostDeliveriesSweep triggers the retry sweep outside its cron cadence.
func (s *APIServer) PostDeliveriesSweep(c *fiber.Ctx) error {
	enqueued, err := s.engine.RetryFailedWebhooks()
	if err != nil {
		fiberlog.Errorf("[API] Manual sweep failed: %v", err)
		return internalError(c)
	}
	return c.JSON(fiber.Map{"enqueued": enqueued})
}

func subscriberParam(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("id"))
}

func pagination(c *fiber.Ctx) (offset, limit int) {
	offset, _ = strconv.Atoi(c.Query("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(c.Query("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	return offset, limit
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": msg})
}

func internalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
}

// billingError maps the sentinel taxonomy onto HTTP statuses.
func billingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.Is(err, billing.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "concurrent update, retry"})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, billing.ErrNotConfigured):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "processor_not_configured"})
	default:
		fiberlog.Errorf("[API] Request failed: %v", err)
		return internalError(c)
	}
}
