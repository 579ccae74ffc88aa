package agent

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the engine matches exactly one of
// these with errors.Is so transports can map them to user-visible statuses.
var (
	ErrValidation           = errors.New("validation error")
	ErrUpstreamProvider     = errors.New("upstream provider error")
	ErrToolExecution        = errors.New("tool execution error")
	ErrConcurrencyViolation = errors.New("concurrency violation")
	ErrPersistence          = errors.New("persistence error")
)

var (
	ErrThreadIDRequired  = fmt.Errorf("%w: thread id is required", ErrValidation)
	ErrInputRequired     = fmt.Errorf("%w: user input is required", ErrValidation)
	ErrRewindOutOfRange  = fmt.Errorf("%w: rewind exceeds available turns", ErrValidation)
	ErrNothingToContinue = fmt.Errorf("%w: thread has no interrupted step to continue", ErrValidation)
	ErrCheckpointInvalid = fmt.Errorf("%w: checkpoint is invalid", ErrValidation)
	ErrEventInvalid      = fmt.Errorf("%w: event is invalid", ErrValidation)
	ErrContextNil        = fmt.Errorf("%w: context is nil", ErrValidation)

	ErrNoPendingInterrupt = fmt.Errorf("%w: no pending interrupt", ErrConcurrencyViolation)
	ErrInterruptPending   = fmt.Errorf("%w: thread is awaiting review", ErrConcurrencyViolation)
	ErrThreadBusy         = fmt.Errorf("%w: thread has an execution in flight", ErrConcurrencyViolation)
	ErrSequenceConflict   = fmt.Errorf("%w: checkpoint sequence conflict", ErrConcurrencyViolation)
	ErrTurnIncomplete     = fmt.Errorf("%w: previous turn did not finish", ErrConcurrencyViolation)

	ErrToolCallProtocol = fmt.Errorf("%w: reasoning output violates tool call protocol", ErrUpstreamProvider)
)

var (
	// ErrThreadNotFound is returned by checkpoint stores when a thread has no checkpoints.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrStepBudgetExceeded is returned when one drive exceeds its node step budget.
	ErrStepBudgetExceeded = errors.New("turn exceeded max steps")
	// ErrInvalidTransition is returned when a node commit is outside the graph topology.
	ErrInvalidTransition = errors.New("invalid node transition")

	ErrMissingCheckpointStore = errors.New("checkpoint store is required")
	ErrMissingReasoner        = errors.New("reasoner is required")
	ErrMissingToolDispatcher  = errors.New("tool dispatcher is required")
	ErrMissingNodeHandler     = errors.New("node handler is missing")
)

// Retryable reports whether a failed turn may be retried with the same input
// or continued from the last good checkpoint.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUpstreamProvider),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrStepBudgetExceeded),
		errors.Is(err, ErrSequenceConflict):
		return true
	default:
		return false
	}
}

func upstreamError(op string, err error) error {
	if errors.Is(err, ErrUpstreamProvider) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamProvider, op, err)
}

func persistenceError(op string, err error) error {
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrConcurrencyViolation) || errors.Is(err, ErrThreadNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
