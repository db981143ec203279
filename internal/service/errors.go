package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/operator-relay/internal/store"
)

var (
	// ErrUnknownVisitor is returned when a reply targets a visitor that does
	// not exist. It is reported to the operator and is not fatal.
	ErrUnknownVisitor = errors.New("unknown visitor")

	// ErrUnknownOperator is returned when an operator id is not registered.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrChallengeExpired marks a pending challenge past its expiry. The
	// router treats it as a silent reset.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrVerificationExhausted marks a visitor that used up its attempts.
	ErrVerificationExhausted = errors.New("verification attempts exhausted")

	// ErrDeliveryFailed is returned when a delivery exhausted its retries.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrStoreUnavailable wraps any session store failure. The event was not
	// processed and the adapter decides whether to redeliver it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidInput is returned for malformed events.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoSender is returned when no adapter is registered for a channel.
	ErrNoSender = errors.New("no sender for channel")
)

// DeliveryError reports a delivery that failed after every retry.
type DeliveryError struct {
	VisitorID uint64
	MessageID string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to visitor %d failed after %d attempts: %v", e.VisitorID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDeliveryFailed) hold for every DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
