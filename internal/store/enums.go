package store

// UserRole is a global role held by a User through a role grant.
// Comparison is by ordinal.
type UserRole int

const (
	UserNone    UserRole = 0
	UserBanned  UserRole = 10
	UserGrouper UserRole = 20
	UserAwarded UserRole = 30
	UserPaying  UserRole = 40
	UserInvited UserRole = 50
	UserAdmin   UserRole = 90
	UserCreator UserRole = 100
)

func (r UserRole) String() string {
	switch r {
	case UserBanned:
		return "banned user"
	case UserGrouper:
		return "group creator user"
	case UserAwarded:
		return "awarded user"
	case UserPaying:
		return "paying user"
	case UserInvited:
		return "invited user"
	case UserAdmin:
		return "system admin"
	case UserCreator:
		return "system creator"
	default:
		return "unknown user"
	}
}

// MemberRole is a per-group role. Comparison is by ordinal; GUEST is the
// lowest role that still receives broadcasts.
type MemberRole int

const (
	MemberNone       MemberRole = 0
	MemberBanned     MemberRole = 10
	MemberLeft       MemberRole = 20
	MemberGuest      MemberRole = 30
	MemberNormal     MemberRole = 40
	MemberAdmin      MemberRole = 60
	MemberAdminMsg   MemberRole = 70
	MemberAdminBan   MemberRole = 80
	MemberAdminAdmin MemberRole = 90
	MemberCreator    MemberRole = 100
)

func (r MemberRole) String() string {
	switch r {
	case MemberBanned:
		return "banned user"
	case MemberLeft:
		return "left user"
	case MemberGuest:
		return "guest"
	case MemberNormal:
		return "member"
	case MemberAdmin:
		return "admin that can bypass bans"
	case MemberAdminMsg:
		return "admin that can pin messages"
	case MemberAdminBan:
		return "admin that can ban others"
	case MemberAdminAdmin:
		return "admin that can set admins and reveal"
	case MemberCreator:
		return "creator"
	default:
		return "unknown user"
	}
}

// BanType is a capability denial carried by a ban group.
type BanType int

const (
	BanNone      BanType = 0
	BanReceive   BanType = 10
	BanMessage   BanType = 20
	BanMedia     BanType = 21
	BanSticker   BanType = 22
	BanMarkup    BanType = 23
	BanLong      BanType = 24
	BanLink      BanType = 25
	BanPinMask   BanType = 30
	BanLongMask1 BanType = 40
	BanLongMask2 BanType = 41
	BanLongMask3 BanType = 42
	BanPMUser    BanType = 50
	BanPMAdmin   BanType = 51
	BanInvite    BanType = 60
)

func (t BanType) String() string {
	switch t {
	case BanReceive:
		return "receive messages from others"
	case BanMessage:
		return "send messages"
	case BanMedia:
		return "send messages with medias"
	case BanSticker:
		return "send stickers"
	case BanMarkup:
		return "send messages with reply markups"
	case BanLong:
		return "send messages longer than 200 characters"
	case BanLink:
		return "send messages including links or mentions"
	case BanPinMask:
		return "pin a mask"
	case BanLongMask1:
		return "pin a mask longer than 1 emoji"
	case BanLongMask2:
		return "pin a mask longer than 2 emojis"
	case BanLongMask3:
		return "pin a mask longer than 3 emojis"
	case BanPMUser:
		return "send private messages to members"
	case BanPMAdmin:
		return "send private messages to admins"
	case BanInvite:
		return "invite new members"
	default:
		return "unknown"
	}
}

// DefaultBanTypes are applied to the default ban group of every new relay.
var DefaultBanTypes = []BanType{BanPinMask, BanLongMask1}

// PrimeRoles unlock the paid-tier features (voice masking, custom masks).
var PrimeRoles = []UserRole{UserAwarded, UserPaying, UserAdmin, UserCreator}
