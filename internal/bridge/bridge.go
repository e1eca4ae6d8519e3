// Package bridge is the seam between the scheduling engine and whatever
// actually delivers notifications. The engine only guarantees a timely,
// bounded-retry delivery attempt; provider-side acknowledgement semantics
// live behind this interface.
package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Bridge delivers one fired reminder to its owner.
//
// Implementations apply their own transport behavior; the scheduler wraps
// calls with a per-attempt timeout and a bounded retry budget.
type Bridge interface {
	Deliver(ctx context.Context, userID, reminderID, title, body string) error
}

// ErrDelivery tags transport failures so callers can classify them with
// errors.Is regardless of the underlying provider error.
var ErrDelivery = errors.New("delivery failed")

func deliveryErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrDelivery, err)
}

// Func adapts a function to Bridge (tests, inline fakes).
type Func func(ctx context.Context, userID, reminderID, title, body string) error

func (f Func) Deliver(ctx context.Context, userID, reminderID, title, body string) error {
	return f(ctx, userID, reminderID, title, body)
}
