package provisioning

import (
	"errors"
	"testing"

	"github.com/medflow/medflow/internal/platform/apperr"
)

func TestStepError_MatchesKindAndCause(t *testing.T) {
	cause := apperr.Conflict("owner email is already registered")
	err := error(&StepError{State: StateDirectoryRecorded, Err: cause})

	if !errors.Is(err, apperr.ErrProvisioningFailed) {
		t.Error("expected ErrProvisioningFailed")
	}
	if !errors.Is(err, apperr.ErrConflict) {
		t.Error("expected cause kind to be preserved")
	}
	if got := apperr.HTTPError(err).Code; got != 409 {
		t.Errorf("expected 409 for a conflict cause, got %d", got)
	}
}

func TestCompensationFor(t *testing.T) {
	tests := []struct {
		state State
		want  compensation
	}{
		{StateValidating, compensation{}},
		{StateDBCreated, compensation{}},
		{StateMigrated, compensation{dropDatabase: true}},
		{StateDirectoryRecorded, compensation{dropDatabase: true}},
		{StateSeeded, compensation{dropDatabase: true, deleteDirectory: true}},
		{StateSubscribed, compensation{}},
	}
	for _, tt := range tests {
		if got := compensationFor(tt.state); got != tt.want {
			t.Errorf("compensationFor(%s) = %+v, want %+v", tt.state, got, tt.want)
		}
	}
}
