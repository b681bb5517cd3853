package scheduler

import (
	"errors"
	"fmt"
)

// Sentinels forming the InvalidDag taxonomy of spec §4.6/§7.
var (
	ErrDuplicateTaskName = errors.New("scheduler: duplicate task name")
	ErrUnknownDependency = errors.New("scheduler: unknown dependency")
	ErrCycle             = errors.New("scheduler: dependency cycle")
)

// InvalidDagError wraps one of the sentinels above with the offending
// detail, surfaced from New (static validation, never from Run).
type InvalidDagError struct {
	Kind   error
	Detail string
}

func (e *InvalidDagError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *InvalidDagError) Unwrap() error { return e.Kind }

// TaskJoinError is the TaskJoin kind of spec §7: a task body panicked or
// otherwise terminated unexpectedly instead of returning an error.
type TaskJoinError struct {
	Task  string
	Panic interface{}
	Stack []byte
}

func (e *TaskJoinError) Error() string {
	return fmt.Sprintf("scheduler: task %q panicked: %v", e.Task, e.Panic)
}
