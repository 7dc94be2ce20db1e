package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Adapter is the capability set the donation core needs from a payment
// gateway. All calls are fallible round-trips with no shared in-process state;
// the caller decides whether a failure blocks (create/advance) or is queued
// for asynchronous retry (cancel/pause/resume).
type Adapter interface {
	// ScheduleCharge submits a charge for the given order reference. For
	// recurring donations the gateway answers with a schedule id used for all
	// follow-up cycles.
	ScheduleCharge(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error)
	CancelSchedule(ctx context.Context, scheduleID string) error
	SuspendSchedule(ctx context.Context, scheduleID string) error
	ResumeSchedule(ctx context.Context, scheduleID string) error
	// QueryCharge reports the gateway-side outcome for an order reference.
	QueryCharge(ctx context.Context, orderID string) (Outcome, error)
}

// Outcome of a charge as reported by the gateway.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// ScheduleRequest describes one charge submission.
type ScheduleRequest struct {
	OrderID      string
	DonationCode string
	Amount       decimal.Decimal
	Currency     string
	Description  string
	Recurring    bool
	// ScheduleID targets an existing recurring profile for follow-up cycles;
	// empty on the first charge.
	ScheduleID string
}

// ScheduleResult is the gateway's acceptance of a charge submission.
type ScheduleResult struct {
	PaymentID  string
	ScheduleID string
	PaymentURL string
}

// Error is a gateway-side failure. Timeout marks an indeterminate outcome:
// the charge may or may not have been accepted remotely.
type Error struct {
	Op          string
	Code        string
	Description string
	Timeout     bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s failed: %s (%s)", e.Op, e.Description, e.Code)
	}
	return fmt.Sprintf("gateway: %s failed: %s", e.Op, e.Description)
}

// IsTimeout reports whether err is a gateway error with an indeterminate
// outcome.
func IsTimeout(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Timeout
}
