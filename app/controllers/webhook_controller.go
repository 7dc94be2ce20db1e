package controllers

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/openkindness/givecore/internal/pkg/donation"
	"github.com/openkindness/givecore/internal/pkg/gateway"
)

// The gateway signs result callbacks with the last path segment of the
// configured result URL, which must therefore end in /result.
const webhookScriptName = "result"

var (
	webhookReconciler *donation.Reconciler
	webhookSecret     string
)

// SetWebhookReconciler wires the reconciler and the gateway secret used to
// verify callback signatures. Called once at startup.
func SetWebhookReconciler(r *donation.Reconciler, secret string) {
	webhookReconciler = r
	webhookSecret = secret
}

type webhookResponse struct {
	XMLName     xml.Name `xml:"response"`
	Status      string   `xml:"pg_status"`
	Description string   `xml:"pg_description"`
	Salt        string   `xml:"pg_salt"`
	Sig         string   `xml:"pg_sig"`
}

// HandleFreedomPayResult ingests asynchronous payment result callbacks.
// Responses follow the gateway's signed XML envelope; anything other than an
// ok envelope makes the gateway redeliver later.
func HandleFreedomPayResult(c *fiber.Ctx) error {
	params := url.Values{}
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		params.Set(string(key), string(value))
	})

	if !gateway.VerifyWebhookSignature(webhookScriptName, params, webhookSecret) {
		log.Warnf("[Webhook] rejecting callback with bad signature for order %s", params.Get("pg_order_id"))
		return respondWebhook(c, fiber.StatusForbidden, "error", "Invalid signature")
	}

	ev := webhookEventFromParams(params)
	if ev.GatewayReference == "" {
		return respondWebhook(c, fiber.StatusBadRequest, "error", "Missing pg_order_id")
	}

	if err := webhookReconciler.HandleWebhookEvent(c.UserContext(), ev); err != nil {
		if errors.Is(err, donation.ErrUnknownAttempt) {
			// Acknowledged so the gateway stops redelivering; kept for review.
			return respondWebhook(c, fiber.StatusOK, "ok", "Accepted")
		}
		log.Errorf("[Webhook] processing %s failed: %v", ev.GatewayReference, err)
		return respondWebhook(c, fiber.StatusInternalServerError, "error", "Processing failed")
	}

	return respondWebhook(c, fiber.StatusOK, "ok", "Accepted")
}

func webhookEventFromParams(params url.Values) donation.Event {
	var outcome gateway.Outcome
	switch params.Get("pg_result") {
	case "1":
		outcome = gateway.OutcomeSettled
	case "0":
		outcome = gateway.OutcomeFailed
	default:
		outcome = gateway.OutcomePending
	}

	var occurredAt time.Time
	if raw := params.Get("pg_payment_date"); raw != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
			occurredAt = t
		}
	}

	failureMessage := params.Get("pg_failure_description")
	if failureMessage == "" {
		failureMessage = params.Get("pg_description")
	}

	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	payload, _ := json.Marshal(flat)

	return donation.Event{
		Provider:         "freedompay",
		GatewayReference: params.Get("pg_order_id"),
		Outcome:          outcome,
		OccurredAt:       occurredAt,
		FailureCode:      params.Get("pg_failure_code"),
		FailureMessage:   failureMessage,
		PayloadJSON:      string(payload),
		SignatureValid:   true,
	}
}

func respondWebhook(c *fiber.Ctx, httpStatus int, pgStatus, description string) error {
	resp := webhookResponse{
		Status:      pgStatus,
		Description: description,
		Salt:        uuid.NewString(),
	}
	vals := url.Values{}
	vals.Set("pg_status", resp.Status)
	vals.Set("pg_description", resp.Description)
	vals.Set("pg_salt", resp.Salt)
	resp.Sig = gateway.Sign(webhookScriptName, vals, webhookSecret)

	body, err := xml.Marshal(resp)
	if err != nil {
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	return c.Status(httpStatus).Send(append([]byte(xml.Header), body...))
}
