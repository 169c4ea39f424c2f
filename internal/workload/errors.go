package workload

import "fmt"

// Kind classifies a simulated failure. It is used as the error_type label.
type Kind string

const (
	KindDependency  Kind = "DependencyError"
	KindIntentional Kind = "IntentionalError"
	KindCircuitOpen Kind = "CircuitOpen"
)

// IntentionalMessage is the message of the unconditional demonstration failure.
const IntentionalMessage = "This is an intentional error for demonstration"

// Error is a failure raised inside a simulated unit.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error returns the user-facing message only, so it can be put in a
// response body as is.
func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func dependencyError(op, format string, args ...any) *Error {
	return &Error{Kind: KindDependency, Op: op, Message: fmt.Sprintf(format, args...)}
}
