package account

import (
	"slices"

	"github.com/google/uuid"
)

// Registry is the per-vault allow-list of callers permitted to lock, unlock
// and transfer collateral. Order is insertion order except after removals.
type Registry struct {
	Vault   uuid.UUID   `json:"vault"`
	Callers []uuid.UUID `json:"authorized_callers"`
}

// NewRegistry validates a seed list: capacity first, then each entry for the
// null identity and duplicates.
func NewRegistry(vault uuid.UUID, callers []uuid.UUID) (Registry, error) {
	if len(callers) > MaxAuthorizedCallers {
		return Registry{}, ErrAuthorizedCallersCapacity
	}
	r := Registry{Vault: vault, Callers: make([]uuid.UUID, 0, len(callers))}
	for _, caller := range callers {
		if caller == uuid.Nil {
			return Registry{}, ErrInvalidAuthority
		}
		if r.Contains(caller) {
			return Registry{}, ErrAuthorizationAlreadyExists
		}
		r.Callers = append(r.Callers, caller)
	}
	return r, nil
}

func (r Registry) Contains(caller uuid.UUID) bool {
	return slices.Contains(r.Callers, caller)
}

// Add returns a copy of r with caller appended.
func (r Registry) Add(caller uuid.UUID) (Registry, error) {
	if caller == uuid.Nil {
		return Registry{}, ErrInvalidAuthority
	}
	if r.Contains(caller) {
		return Registry{}, ErrAuthorizationAlreadyExists
	}
	if len(r.Callers) >= MaxAuthorizedCallers {
		return Registry{}, ErrAuthorizedCallersCapacity
	}
	next := Registry{Vault: r.Vault, Callers: make([]uuid.UUID, len(r.Callers), len(r.Callers)+1)}
	copy(next.Callers, r.Callers)
	next.Callers = append(next.Callers, caller)
	return next, nil
}

// Remove returns a copy of r without caller; the last entry takes its slot.
func (r Registry) Remove(caller uuid.UUID) (Registry, error) {
	idx := slices.Index(r.Callers, caller)
	if idx < 0 {
		return Registry{}, ErrUnauthorized
	}
	next := Registry{Vault: r.Vault, Callers: slices.Clone(r.Callers)}
	last := len(next.Callers) - 1
	next.Callers[idx] = next.Callers[last]
	next.Callers = next.Callers[:last]
	return next, nil
}
