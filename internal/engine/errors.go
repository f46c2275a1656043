package engine

import (
	"errors"
	"fmt"

	"github.com/loomstack/loom/pkg/api"
)

var (
	// ErrSuspend is returned by context operations that must wait for a
	// future event. It means "commit what happened so far and pause"; step
	// code propagates it, only the engine consumes it
	ErrSuspend = errors.New("workflow suspended")

	// ErrNonDeterministic marks replay divergence: the recorded history
	// does not match what the step code just did. The workflow fails
	// terminally
	ErrNonDeterministic = errors.New("non-deterministic workflow")

	// ErrActivityFailed is the unwrap target of ActivityError, letting
	// step code catch exhausted activities with errors.Is
	ErrActivityFailed = errors.New("activity failed")

	// ErrNestedBatch rejects Batch calls made inside a running batch
	ErrNestedBatch = errors.New("state batches do not nest")
)

// ActivityError surfaces a terminally failed activity to step code. It is
// the only error a step is expected to catch and handle
type ActivityError struct {
	ActivityID   api.ActivityID
	Name         string
	Message      string
	AttemptsUsed int
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %s",
		e.Name, e.AttemptsUsed, e.Message)
}

func (e *ActivityError) Unwrap() error {
	return ErrActivityFailed
}

func nonDeterminism(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNonDeterministic,
		fmt.Sprintf(format, args...))
}
