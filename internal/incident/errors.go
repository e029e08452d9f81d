package incident

import (
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-remediation/internal/store"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

var (
	// ErrNotFound means the incident id is unknown.
	ErrNotFound = errors.New("incident not found")
	// ErrInvalidState means the requested transition is not allowed from the current state.
	ErrInvalidState = errors.New("invalid state for transition")
	// ErrConflict means the caller acted on a version that has since changed.
	ErrConflict = errors.New("incident version conflict")
	// ErrInvalidArgument means the request itself is malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStoreFailure means persistence failed and the transition was not applied.
	ErrStoreFailure = errors.New("store failure")
	// ErrCollaboratorTimeout means a diagnosis or execution call exceeded its deadline.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")
)

// translateStoreErr maps store sentinels onto the gateway taxonomy.
func translateStoreErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return ErrConflict
	default:
		return utils.NewAppError(op, "transition not applied", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
}
