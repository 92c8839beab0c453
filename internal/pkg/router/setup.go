package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/subherald/subherald/internal/pkg/billing"
	"github.com/subherald/subherald/internal/pkg/webhooks"
)

// Router installs one route group onto the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter wires all route groups. The webhook router goes first so the
// unauthenticated Stripe intake never sits behind the API token middleware.
func InstallRouter(app *fiber.App, service *billing.Service, engine *webhooks.Engine) {
	setup(app, NewWebhookRouter(), NewApiRouter(service, engine))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
