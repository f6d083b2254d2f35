// Package perm evaluates role and ban checks for users, members and groups.
// Every inbound relay event goes through it before any state changes.
package perm

import (
	"context"
	"time"

	"github.com/velvetmask/velvet/internal/store"
)

// Evaluator answers permission questions against the persistence store.
type Evaluator struct {
	store *store.Store
}

func New(s *store.Store) *Evaluator {
	return &Evaluator{store: s}
}

// ValidateUser reports whether the user holds any of the roles with an
// unexpired grant. reversed negates the predicate; fail turns a negative
// answer into a UserRoleError.
func (e *Evaluator) ValidateUser(ctx context.Context, u *store.User, roles []store.UserRole, fail, reversed bool) (bool, error) {
	has, err := e.store.HasRole(ctx, u, roles...)
	if err != nil {
		return false, err
	}
	ok := has != reversed
	if !ok && fail {
		return false, &store.UserRoleError{Roles: roles, Reversed: reversed}
	}
	return ok, nil
}

// ValidateMember compares the member's role ordinal against the requirement.
// reversed requires the role to be strictly above the given one to pass the
// negated check, mirroring the user-role form.
func (e *Evaluator) ValidateMember(m *store.Member, role store.MemberRole, fail, reversed bool) (bool, error) {
	var ok bool
	if reversed {
		ok = m.Role > role
	} else {
		ok = m.Role >= role
	}
	if !ok && fail {
		return false, &store.MemberRoleError{Role: role, Reversed: reversed}
	}
	return ok, nil
}

// CheckBan reports whether the capability is denied for the member. ADMINs
// bypass all bans. The member override is consulted before the group
// default; once denied the remaining check is not performed. fail turns a
// denial into a BanError.
func (e *Evaluator) CheckBan(ctx context.Context, g *store.Group, m *store.Member, t store.BanType, fail, checkGroup bool) (bool, error) {
	if m.Role >= store.MemberAdmin {
		return false, nil
	}
	if m.BanGroupID != nil {
		denied, until, err := e.store.BanGroupContains(ctx, *m.BanGroupID, t)
		if err != nil {
			return false, err
		}
		if denied {
			if fail {
				return true, banError(t, true, until)
			}
			return true, nil
		}
	}
	if checkGroup {
		return e.GroupDenied(ctx, g, t, fail)
	}
	return false, nil
}

// GroupDenied reports whether the group default ban group denies the
// capability for everybody.
func (e *Evaluator) GroupDenied(ctx context.Context, g *store.Group, t store.BanType, fail bool) (bool, error) {
	denied, until, err := e.store.BanGroupContains(ctx, g.DefaultBanGroupID, t)
	if err != nil {
		return false, err
	}
	if denied && fail {
		return true, banError(t, false, until)
	}
	return denied, nil
}

func banError(t store.BanType, memberScope bool, until *time.Time) *store.BanError {
	e := &store.BanError{Type: t, MemberScope: memberScope}
	if until != nil {
		e.Until = *until
	}
	return e
}
