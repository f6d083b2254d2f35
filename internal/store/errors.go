package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint is violated.
var ErrConflict = errors.New("conflict")

// OperationError is a user-visible domain failure. It is surfaced as an
// ephemeral notice in the chat and never crashes a relay.
type OperationError struct {
	Reason string
}

func (e *OperationError) Error() string { return e.Reason }

// Operationf builds an OperationError from a format string.
func Operationf(format string, args ...any) *OperationError {
	return &OperationError{Reason: fmt.Sprintf(format, args...)}
}

// UserRoleError reports a failed global role check.
type UserRoleError struct {
	Roles    []UserRole
	Reversed bool
}

func (e *UserRoleError) Error() string {
	displays := make([]string, len(e.Roles))
	for i, r := range e.Roles {
		displays[i] = r.String()
	}
	if e.Reversed {
		if len(displays) == 1 {
			return fmt.Sprintf("you are a/an %s, so can not operate", displays[0])
		}
		return fmt.Sprintf("you are one of the %ss, so can not operate", strings.Join(displays, ", "))
	}
	if len(displays) == 1 {
		return fmt.Sprintf("you must be a/an %s to operate", displays[0])
	}
	return fmt.Sprintf("you must be one of the %ss to operate", strings.Join(displays, ", "))
}

// MemberRoleError reports a failed per-group role check.
type MemberRoleError struct {
	Role     MemberRole
	Reversed bool
}

func (e *MemberRoleError) Error() string {
	if e.Reversed {
		return fmt.Sprintf("you are a/an %s in this group, so can not operate", e.Role)
	}
	return fmt.Sprintf("you must be a/an %s in this group to operate", e.Role)
}

// BanError reports a denied capability. MemberScope tells whether the denial
// came from the member override or the group default.
type BanError struct {
	Type        BanType
	MemberScope bool
	Until       time.Time
}

func (e *BanError) Error() string {
	who := "everybody"
	if e.MemberScope {
		who = "you"
	}
	until := ""
	if !e.Until.IsZero() {
		until = fmt.Sprintf(" until %s", e.Until.Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf("%s can not %s in this group%s", who, e.Type, until)
}

// IsOperational reports whether err should be shown to the user verbatim.
func IsOperational(err error) bool {
	var oe *OperationError
	var ue *UserRoleError
	var me *MemberRoleError
	var be *BanError
	return errors.As(err, &oe) || errors.As(err, &ue) || errors.As(err, &me) || errors.As(err, &be)
}
