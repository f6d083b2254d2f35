package store

import (
	"strings"
	"time"
)

// User is a global identity keyed by the platform user id.
type User struct {
	ID        int64
	UID       int64
	Username  string
	FirstName string
	LastName  string
	Created   time.Time
}

// Name joins the non-empty name parts.
func (u *User) Name() string {
	parts := make([]string, 0, 2)
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if u.LastName != "" {
		parts = append(parts, u.LastName)
	}
	if len(parts) == 0 {
		return "<Deleted Account>"
	}
	return strings.Join(parts, " ")
}

// MaskedName renders the display name with the middle blanked out, used in
// admin-facing views that should not leak the full identity.
func (u *User) MaskedName() string {
	fn := []rune(u.FirstName)
	ln := []rune(u.LastName)
	switch {
	case len(fn) > 0 && len(ln) > 0:
		if len(fn) == 1 {
			return "◼◼" + string(ln[len(ln)-1])
		}
		if len(ln) == 1 {
			return string(fn[0]) + "◼◼"
		}
		return string(fn[0]) + "◼ ◼" + string(ln[len(ln)-1])
	case len(fn) > 0:
		return string(fn[0]) + "◼◼"
	case len(ln) > 0:
		return "◼◼" + string(ln[len(ln)-1])
	default:
		return "◼◼"
	}
}

// Validation is a role grant, optionally expiring.
type Validation struct {
	ID      int64
	UserID  int64
	Role    UserRole
	Until   *time.Time // nil = permanent
	Created time.Time
}

// ValidationRequest is a redeemable (code, role) pair. Used points to the
// grant created on redemption; a consumed request cannot be consumed again.
type ValidationRequest struct {
	ID          int64
	Code        string
	Role        UserRole
	Days        *int
	Created     time.Time
	CreatedByID int64
	UsedID      *int64
}

// BanGroup is a set of BanType denials with an optional expiry.
type BanGroup struct {
	ID      int64
	Created time.Time
	Until   *time.Time
}

// Group is one hosted relay, bound to one bot credential.
type Group struct {
	ID                int64
	UID               int64
	Token             string
	Handle            string
	Title             string
	CreatorID         int64
	Created           time.Time
	LastActivity      time.Time
	DefaultBanGroupID int64
	WelcomeMessage    string
	WelcomePhoto      string
	WelcomeButtons    string
	WelcomeLatest     bool
	ChatInstruction   string
	Password          string
	Private           bool
	Disabled          bool
}

// Member is a (group, user) pair.
type Member struct {
	ID           int64
	GroupID      int64
	UserID       int64
	Role         MemberRole
	Created      time.Time
	LastActivity time.Time
	LastMask     string
	PinnedMask   string
	BanGroupID   *int64
	InvitorID    *int64
}

// Message is the authoritative record of a broadcast. Rows remain as
// tombstones after deletion so delete propagation stays resolvable.
type Message struct {
	ID        int64
	GroupID   int64
	MID       int64
	MemberID  int64
	Mask      string
	Pinned    bool
	ReplyToID *int64
	Created   time.Time
	Updated   time.Time
}

// RedirectedMessage maps a source Message to its copy at one recipient.
type RedirectedMessage struct {
	ID         int64
	MID        int64
	MessageID  int64
	ToMemberID int64
	Created    time.Time
}

// PMMessage is a private message tunneled between two members of a relay.
type PMMessage struct {
	ID            int64
	GroupID       int64
	FromMemberID  int64
	ToMemberID    int64
	MID           int64
	RedirectedMID int64
	Created       time.Time
}

// PMBan suppresses private messages in one direction.
type PMBan struct {
	ID           int64
	GroupID      int64
	FromMemberID int64
	ToMemberID   int64
	Created      time.Time
	Until        *time.Time
}
