package orchestrator

import (
	"errors"
	"fmt"

	"github.com/britta/orchestrator/internal/persistence"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrAgentDisabled     = errors.New("agent disabled")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Execution error codes recorded on failed tasks.
const (
	CodeTimeout      = "TIMEOUT"
	CodeHandlerError = "HANDLER_ERROR"
	CodeNoHandler    = "NO_HANDLER"
)

// ExecutionError is a classified handler failure. It drives the retry policy
// and is persisted on the task; it is never returned to a dispatch caller.
type ExecutionError struct {
	Code    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapStoreErr translates store sentinels into the orchestrator taxonomy while
// keeping the original error in the chain.
func mapStoreErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrTaskNotFound), errors.Is(err, persistence.ErrAgentNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, persistence.ErrInvalidTransition):
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidTransition, err)
	case errors.Is(err, persistence.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
