package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/subherald/subherald/app/controllers"
)

// WebhookRouter serves the inbound processor intake. No rate limiter here;
// Stripe bursts on redelivery and signature verification is the gate.
type WebhookRouter struct {
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/stripe", controllers.HandleProcessorWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
