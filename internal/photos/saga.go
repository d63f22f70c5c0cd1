package photos

import (
	"context"
	"fmt"
)

// Step names reported in StepError.
const (
	StepStoreBlob      = "store_blob"
	StepResolveURL     = "resolve_url"
	StepRecordMetadata = "record_metadata"
	StepDeleteMetadata = "delete_metadata"
	StepDeleteBlob     = "delete_blob"
)

// StepError reports which step of a multi-step operation failed. Completed
// lists the steps that ran before it; their effects are kept.
type StepError struct {
	Op        string
	Step      string
	Completed []string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type sagaStep struct {
	name string
	run  func(ctx context.Context) error
}

// saga runs steps strictly in order and stops at the first failure. No step
// is compensated: a failure leaves the effects of earlier steps in place.
type saga struct {
	op    string
	steps []sagaStep
}

func (s saga) run(ctx context.Context) error {
	completed := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		if err := step.run(ctx); err != nil {
			return &StepError{Op: s.op, Step: step.name, Completed: completed, Err: err}
		}
		completed = append(completed, step.name)
	}
	return nil
}
