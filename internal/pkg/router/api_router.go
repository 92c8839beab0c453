package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/subherald/subherald/internal/api/v1"
	"github.com/subherald/subherald/internal/pkg/billing"
	"github.com/subherald/subherald/internal/pkg/middleware"
	"github.com/subherald/subherald/internal/pkg/webhooks"
)

type ApiRouter struct {
	service *billing.Service
	engine  *webhooks.Engine
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "subherald ops api",
		})
	})

	// API v1 routes, all behind the operator token
	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware())
	apiServer := apiv1.NewAPIServer(h.service, h.engine)

	v1.Get("/ping", apiServer.GetPing)

	v1.Post("/subscribers", apiServer.PostProvision)
	v1.Get("/subscribers/:id", apiServer.GetSubscriber)
	v1.Post("/subscribers/:id/sync", apiServer.PostSubscriberSync)
	v1.Post("/subscribers/:id/cancel", apiServer.PostSubscriberCancel)
	v1.Get("/subscribers/:id/events", apiServer.GetSubscriberEvents)

	v1.Get("/deliveries", apiServer.GetDeliveries)
	v1.Post("/deliveries/sweep", apiServer.PostDeliveriesSweep)
}

func NewApiRouter(service *billing.Service, engine *webhooks.Engine) *ApiRouter {
	return &ApiRouter{service: service, engine: engine}
}
