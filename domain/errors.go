package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnauthorizedCaller    = errors.New("unauthorized caller")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrHealthFactorTooLow    = errors.New("health factor too low")
	ErrMaxLoopsReached       = errors.New("max loops reached")
	ErrUnknownEvent          = errors.New("unknown event")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownToken        = errors.New("unknown token")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrStalePrice          = errors.New("stale price")
	ErrUnknownMethod       = errors.New("unknown method")
	ErrNoProvider          = errors.New("no flash loan provider available")
	ErrSlippage            = errors.New("output below minimum")
)

// StopReason distinguishes the conditions that halt the leverage loop.
type StopReason string

const (
	StopLoopCap      StopReason = "loop_cap"
	StopUnsafeHealth StopReason = "unsafe_health"
	StopBelowFloor   StopReason = "below_floor"
)

// StopError is returned when the loop refuses to take another step. Every
// reason matches ErrMaxLoopsReached under errors.Is.
type StopError struct {
	Reason StopReason
	Detail string
}

func (e *StopError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s (%s)", ErrMaxLoopsReached, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrMaxLoopsReached, e.Reason, e.Detail)
}

func (e *StopError) Is(target error) bool {
	return target == ErrMaxLoopsReached
}

// Stop builds a StopError with a formatted detail message.
func Stop(reason StopReason, format string, args ...interface{}) error {
	return &StopError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// StopReasonOf extracts the stop reason from err, if any.
func StopReasonOf(err error) (StopReason, bool) {
	var stop *StopError
	if errors.As(err, &stop) {
		return stop.Reason, true
	}
	return "", false
}
