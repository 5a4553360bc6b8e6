// Package authz narrows every read and write to the rows the caller is
// allowed to touch, and gates privileged operations through a policy engine.
package authz

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/delegatehq/orchestrator/internal/domain"
	store "github.com/delegatehq/orchestrator/internal/repository"
)

// Scoper resolves a caller into the set of owner IDs whose records the
// caller may see. Row filtering happens in SQL, never after the fetch.
type Scoper struct {
	store  store.Store
	policy *PolicyEngine
}

func NewScoper(st store.Store, policy *PolicyEngine) *Scoper {
	return &Scoper{store: st, policy: policy}
}

// AccessibleOwners returns the owner IDs the caller can read. nil means
// unrestricted (superuser); an explicit slice bounds the query.
func (s *Scoper) AccessibleOwners(ctx context.Context, caller domain.Caller) ([]string, error) {
	switch caller.Role {
	case domain.RoleSuperuser:
		return nil, nil
	case domain.RoleOrgAdmin:
		managed, err := s.store.ListManagedUserIDs(ctx, caller.UserID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to resolve managed users", goerr.V("user_id", caller.UserID))
		}
		return append(managed, caller.UserID), nil
	case domain.RoleMember:
		return []string{caller.UserID}, nil
	default:
		return nil, goerr.Wrap(domain.ErrForbidden, "unknown role", goerr.V("role", string(caller.Role)))
	}
}

// CanAccessTask reports whether the caller may read or act on the task.
func (s *Scoper) CanAccessTask(ctx context.Context, caller domain.Caller, task *domain.Task) (bool, error) {
	owners, err := s.AccessibleOwners(ctx, caller)
	if err != nil {
		return false, err
	}
	if owners == nil {
		return true, nil
	}
	for _, id := range owners {
		if id == task.OwnerID {
			return true, nil
		}
	}
	return false, nil
}

// RequireCapability consults the policy engine for a privileged operation
// and maps a deny to ErrForbidden.
func (s *Scoper) RequireCapability(ctx context.Context, caller domain.Caller, capability string) error {
	decision, reason, err := s.policy.Evaluate(ctx, map[string]interface{}{
		"capability": capability,
		"user_id":    caller.UserID,
		"role":       string(caller.Role),
	})
	if err != nil {
		return goerr.Wrap(err, "policy evaluation failed", goerr.V("capability", capability))
	}
	if decision != DecisionAllow {
		return goerr.Wrap(domain.ErrForbidden, "capability denied",
			goerr.V("capability", capability),
			goerr.V("role", string(caller.Role)),
			goerr.V("reason", reason))
	}
	return nil
}
