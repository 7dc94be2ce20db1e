package gateway

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openkindness/givecore/internal/pkg/env"
)

const (
	defaultFreedomPayBaseURL = "https://api.freedompay.kg"

	scriptInitPayment     = "init_payment.php"
	scriptRecurringCharge = "make_recurring_payment.php"
	scriptStatus          = "get_status.php"
	scriptProfileCancel   = "recurring_profile_cancel.php"
	scriptProfileSuspend  = "recurring_profile_suspend.php"
	scriptProfileResume   = "recurring_profile_resume.php"
)

// FreedomPayClient speaks the FreedomPay KG merchant API: form-encoded pg_*
// parameters signed with an MD5 script signature, XML responses.
type FreedomPayClient struct {
	MerchantID string
	SecretKey  string

	BaseURL   string
	ResultURL string

	HTTPClient *http.Client
}

// NewFreedomPayClientFromEnv builds a client from FREEDOMPAY_* variables.
func NewFreedomPayClientFromEnv() *FreedomPayClient {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	resultURL := strings.TrimSpace(env.GetEnv("FREEDOMPAY_RESULT_URL", ""))
	// The callback route must end in /result: the gateway signs callbacks
	// with the result URL's last path segment.
	if resultURL == "" && base != "" {
		resultURL = base + "/webhooks/freedompay/result"
	}

	return &FreedomPayClient{
		MerchantID: strings.TrimSpace(env.GetEnv("FREEDOMPAY_MERCHANT_ID", "")),
		SecretKey:  strings.TrimSpace(env.GetEnv("FREEDOMPAY_SECRET_KEY", "")),
		BaseURL:    strings.TrimRight(env.GetEnv("FREEDOMPAY_API_BASE_URL", defaultFreedomPayBaseURL), "/"),
		ResultURL:  resultURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type fpResponse struct {
	XMLName          xml.Name `xml:"response"`
	Status           string   `xml:"pg_status"`
	PaymentID        string   `xml:"pg_payment_id"`
	RedirectURL      string   `xml:"pg_redirect_url"`
	RecurringProfile string   `xml:"pg_recurring_profile"`
	TransactionState string   `xml:"pg_transaction_status"`
	ErrorCode        string   `xml:"pg_error_code"`
	ErrorDescription string   `xml:"pg_error_description"`
}

func (c *FreedomPayClient) ScheduleCharge(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	params := url.Values{}
	params.Set("pg_order_id", req.OrderID)
	params.Set("pg_amount", req.Amount.StringFixed(2))
	params.Set("pg_currency", req.Currency)
	params.Set("pg_description", req.Description)

	script := scriptInitPayment
	if req.ScheduleID != "" {
		script = scriptRecurringCharge
		params.Set("pg_recurring_profile", req.ScheduleID)
	} else {
		if req.Recurring {
			params.Set("pg_recurring_start", "1")
		}
		if c.ResultURL != "" {
			params.Set("pg_result_url", c.ResultURL)
		}
	}

	resp, err := c.call(ctx, script, params)
	if err != nil {
		return nil, err
	}
	return &ScheduleResult{
		PaymentID:  resp.PaymentID,
		ScheduleID: resp.RecurringProfile,
		PaymentURL: resp.RedirectURL,
	}, nil
}

func (c *FreedomPayClient) CancelSchedule(ctx context.Context, scheduleID string) error {
	return c.profileCall(ctx, scriptProfileCancel, scheduleID)
}

func (c *FreedomPayClient) SuspendSchedule(ctx context.Context, scheduleID string) error {
	return c.profileCall(ctx, scriptProfileSuspend, scheduleID)
}

func (c *FreedomPayClient) ResumeSchedule(ctx context.Context, scheduleID string) error {
	return c.profileCall(ctx, scriptProfileResume, scheduleID)
}

func (c *FreedomPayClient) QueryCharge(ctx context.Context, orderID string) (Outcome, error) {
	params := url.Values{}
	params.Set("pg_order_id", orderID)

	resp, err := c.call(ctx, scriptStatus, params)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(resp.TransactionState) {
	case "ok", "success":
		return OutcomeSettled, nil
	case "failed", "error", "revoked":
		return OutcomeFailed, nil
	default:
		return OutcomePending, nil
	}
}

func (c *FreedomPayClient) profileCall(ctx context.Context, script, scheduleID string) error {
	if strings.TrimSpace(scheduleID) == "" {
		return &Error{Op: script, Description: "recurring profile id is empty"}
	}
	params := url.Values{}
	params.Set("pg_recurring_profile", scheduleID)
	_, err := c.call(ctx, script, params)
	return err
}

func (c *FreedomPayClient) call(ctx context.Context, script string, params url.Values) (*fpResponse, error) {
	if c.MerchantID == "" || c.SecretKey == "" {
		return nil, errors.New("FREEDOMPAY_MERCHANT_ID/FREEDOMPAY_SECRET_KEY are not configured")
	}

	params.Set("pg_merchant_id", c.MerchantID)
	params.Set("pg_salt", uuid.NewString())
	params.Set("pg_sig", Sign(script, params, c.SecretKey))

	endpoint := c.BaseURL + "/" + script
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &Error{Op: script, Description: err.Error(), Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: script, Description: err.Error(), Timeout: isTimeout(err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: script, Code: resp.Status, Description: strings.TrimSpace(string(body))}
	}

	var parsed fpResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Op: script, Description: "unparseable gateway response: " + err.Error()}
	}
	if strings.ToLower(parsed.Status) != "ok" {
		return nil, &Error{Op: script, Code: parsed.ErrorCode, Description: parsed.ErrorDescription}
	}
	return &parsed, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
