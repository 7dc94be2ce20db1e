package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/openkindness/givecore/app/controllers"
)

type WebhookRouter struct {
}

// Webhook callbacks are authenticated by signature, not rate limited: a
// throttled callback would delay settlement reconciliation.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/freedompay/result", controllers.HandleFreedomPayResult)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
