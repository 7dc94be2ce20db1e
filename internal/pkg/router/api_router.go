package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/openkindness/givecore/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	donations := v1.Group("/donations")
	donations.Post("/", controllers.HandleCreateDonation)
	donations.Get("/:uuid", controllers.HandleGetDonation)
	donations.Post("/:uuid/cancel", controllers.HandleCancelDonation)
	donations.Post("/:uuid/pause", controllers.HandlePauseDonation)
	donations.Post("/:uuid/resume", controllers.HandleResumeDonation)
	donations.Get("/:uuid/receipt", controllers.HandleGetDonationReceipt)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
