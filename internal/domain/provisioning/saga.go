// Package provisioning creates and removes tenants: one physical database per
// tenant, migrated and seeded, recorded in the directory. Creation runs as a
// saga whose completed steps are undone when a later step fails.
package provisioning

import (
	"fmt"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// State names a saga step. A StepError carries the step that failed.
type State string

const (
	StateValidating        State = "VALIDATING"
	StateDBCreated         State = "DB_CREATED"
	StateMigrated          State = "MIGRATED"
	StateDirectoryRecorded State = "DIRECTORY_RECORDED"
	StateSeeded            State = "SEEDED"
	StateSubscribed        State = "SUBSCRIBED"
	StateDone              State = "DONE"
)

// StepError reports a saga step failure after compensation has run. It
// matches both apperr.ErrProvisioningFailed and the underlying cause.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.State, e.Err)
}

// FailedStep lets the HTTP layer name the step without exposing the cause.
func (e *StepError) FailedStep() string { return string(e.State) }

func (e *StepError) Unwrap() []error {
	return []error{apperr.ErrProvisioningFailed, e.Err}
}

// compensation lists what has to be undone for a failure at a given step.
type compensation struct {
	dropDatabase    bool
	deleteDirectory bool
}

func compensationFor(failed State) compensation {
	switch failed {
	case StateMigrated, StateDirectoryRecorded:
		return compensation{dropDatabase: true}
	case StateSeeded:
		return compensation{dropDatabase: true, deleteDirectory: true}
	}
	return compensation{}
}
