package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openkindness/givecore/app/models"
	"github.com/openkindness/givecore/internal/pkg/donation"
	"github.com/openkindness/givecore/internal/pkg/gateway"
)

// DonorReferenceHeader carries the caller's donor identity. Upstream auth
// terminates before this service and forwards the verified reference.
const DonorReferenceHeader = "X-Donor-Reference"

var donationService *donation.Service

// SetDonationService wires the shared donation service. Called once at startup.
func SetDonationService(s *donation.Service) {
	donationService = s
}

type createDonationRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recurring bool   `json:"recurring"`
	Schedule  string `json:"schedule"`
	Email     string `json:"email"`
}

// HandleCreateDonation creates a donation and initiates its first charge.
func HandleCreateDonation(c *fiber.Ctx) error {
	actor := c.Get(DonorReferenceHeader)
	if actor == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing donor reference"})
	}

	var req createDonationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": "Amount must be a decimal number"})
	}

	d, paymentURL, err := donationService.Create(c.UserContext(), donation.CreateParams{
		DonorReference: actor,
		DonorEmail:     req.Email,
		Amount:         amount,
		Currency:       req.Currency,
		Recurring:      req.Recurring,
		Schedule:       req.Schedule,
	})
	if err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			// The donation record exists in failed state; surface both.
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":    "gateway_rejected",
				"message":  gerr.Description,
				"donation": donationJSON(d),
			})
		}
		return donationError(c, err)
	}

	body := fiber.Map{"donation": donationJSON(d)}
	if paymentURL != "" {
		body["payment_url"] = paymentURL
	}
	return c.Status(fiber.StatusCreated).JSON(body)
}

// HandleGetDonation returns one donation owned by the caller.
func HandleGetDonation(c *fiber.Ctx) error {
	d, err := donationService.Get(c.UserContext(), c.Params("uuid"), c.Get(DonorReferenceHeader))
	if err != nil {
		return donationError(c, err)
	}
	return c.JSON(fiber.Map{"donation": donationJSON(d)})
}

// HandleCancelDonation stops a subscription.
func HandleCancelDonation(c *fiber.Ctx) error {
	d, err := donationService.Cancel(c.UserContext(), c.Params("uuid"), c.Get(DonorReferenceHeader))
	if err != nil {
		return donationError(c, err)
	}
	return c.JSON(fiber.Map{"donation": donationJSON(d)})
}

// HandlePauseDonation suspends an active subscription.
func HandlePauseDonation(c *fiber.Ctx) error {
	d, err := donationService.Pause(c.UserContext(), c.Params("uuid"), c.Get(DonorReferenceHeader))
	if err != nil {
		return donationError(c, err)
	}
	return c.JSON(fiber.Map{"donation": donationJSON(d)})
}

// HandleResumeDonation reactivates a paused subscription.
func HandleResumeDonation(c *fiber.Ctx) error {
	d, err := donationService.Resume(c.UserContext(), c.Params("uuid"), c.Get(DonorReferenceHeader))
	if err != nil {
		return donationError(c, err)
	}
	return c.JSON(fiber.Map{"donation": donationJSON(d)})
}

// HandleGetDonationReceipt returns the receipt reference for the latest
// settled charge.
func HandleGetDonationReceipt(c *fiber.Ctx) error {
	artifact, err := donationService.GetReceiptReference(c.UserContext(), c.Params("uuid"), c.Get(DonorReferenceHeader))
	if err != nil {
		return donationError(c, err)
	}
	return c.JSON(fiber.Map{"receipt": artifact})
}

func donationJSON(d *models.Donation) fiber.Map {
	if d == nil {
		return nil
	}
	return fiber.Map{
		"uuid":                d.UUID,
		"donation_code":       d.DonationCode,
		"amount":              d.Amount.StringFixed(2),
		"currency":            d.Currency,
		"recurring":           d.IsRecurring,
		"schedule":            d.Schedule,
		"subscription_status": d.SubscriptionStatus,
		"donation_status":     d.DonationStatus,
		"status_reason":       d.StatusReason,
		"first_charged_at":    formatTimePtr(d.FirstChargedAt),
		"next_charge_at":      formatTimePtr(d.NextChargeAt),
		"created_at":          d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func donationError(c *fiber.Ctx, err error) error {
	var transition *donation.TransitionError
	switch {
	case errors.As(err, &transition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition", "message": transition.Error()})
	case errors.Is(err, donation.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "Donation was modified concurrently, retry"})
	case errors.Is(err, donation.ErrNotAuthorized):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Donation belongs to another donor"})
	case errors.Is(err, donation.ErrValidation):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Donation not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
