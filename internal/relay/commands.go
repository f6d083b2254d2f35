package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

// handleCommand parses "/cmd arg" and routes with per-command gating and
// concurrency modes.
func (r *Relay) handleCommand(ctx context.Context, u *store.User, tm *telego.Message) {
	cmd, arg, _ := strings.Cut(tm.Text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)
	chat := tm.Chat.ID

	var mode handlerMode
	var fn func(context.Context) error
	switch cmd {
	case "/start":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.onStart(ctx, u, tm, arg) }
	case "/change":
		mode = modeSingleton
		fn = func(ctx context.Context) error { return r.cmdChange(ctx, u) }
	case "/setmask":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdSetMask(ctx, u) }
	case "/delete":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdDelete(ctx, u, tm) }
	case "/pin":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdPin(ctx, u, tm, true) }
	case "/unpin":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdPin(ctx, u, tm, false) }
	case "/ban":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdBan(ctx, u, tm, arg, true) }
	case "/unban":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdBan(ctx, u, tm, arg, false) }
	case "/reveal":
		mode = modeInf
		fn = func(ctx context.Context) error { return r.cmdReveal(ctx, u, tm) }
	case "/manage":
		mode = modeInf
		fn = func(ctx context.Context) error { return r.cmdManage(ctx, u) }
	case "/pm":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdPM(ctx, u, tm, arg) }
	case "/invite":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdInvite(ctx, u) }
	case "/leave":
		mode = modeQueue
		fn = func(ctx context.Context) error { return r.cmdLeave(ctx, u) }
	default:
		r.notify(ctx, chat, "⚠️ unknown command.")
		return
	}
	err := r.withUser(ctx, u.ID, mode, fn)
	r.fail(ctx, chat, err)
}

// activeMember resolves the caller's live membership.
func (r *Relay) activeMember(ctx context.Context, u *store.User) (*store.Member, error) {
	member, err := r.store.MemberOf(ctx, r.group, u)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.Operationf("you are not in this group, use /start first")
		}
		return nil, err
	}
	if member.Role < store.MemberGuest {
		return nil, store.Operationf("you are not in this group, use /start first")
	}
	return member, nil
}

// repliedSource resolves the replied-to message back to its source row. With
// adminScope, redirects delivered to the caller resolve to the original
// author's message as well.
func (r *Relay) repliedSource(ctx context.Context, member *store.Member, tm *telego.Message) (*store.Message, error) {
	if tm.ReplyToMessage == nil {
		return nil, store.Operationf("reply to a message to use this command")
	}
	mid := int64(tm.ReplyToMessage.MessageID)
	if msg, err := r.store.MessageBySender(ctx, member, mid); err == nil {
		return msg, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}
	msg, err := r.store.ReverseRedirect(ctx, member, mid)
	if err == store.ErrNotFound {
		return nil, store.Operationf("this message is unknown to me")
	}
	return msg, err
}

// cmdChange draws a fresh mask.
func (r *Relay) cmdChange(ctx context.Context, u *store.User) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if member.PinnedMask != "" {
		return store.Operationf("you have a pinned mask, unpin it first with /setmask")
	}
	_, m, err := r.masks.GetMask(ctx, member.ID, true)
	if err != nil {
		return err
	}
	if err := r.store.SetLastMask(ctx, member, m); err != nil {
		return err
	}
	r.notify(ctx, u.UID, "🎭 your mask is now "+m)
	return nil
}

// cmdSetMask opens the sm_mask conversation. Custom masks are a prime or
// admin feature.
func (r *Relay) cmdSetMask(ctx context.Context, u *store.User) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if member.Role < store.MemberAdmin {
		prime, err := r.store.HasRole(ctx, u, store.PrimeRoles...)
		if err != nil {
			return err
		}
		if !prime {
			return store.Operationf("custom masks are available to prime members only")
		}
	}
	if _, err := r.eval.CheckBan(ctx, r.group, member, store.BanPinMask, true, true); err != nil {
		return err
	}
	r.setConversation(u.UID, u.ID, ConvSetMask)
	_, err = r.client.SendText(ctx, u.UID, "🎭 send the emoji you want as your permanent mask.", nil)
	return err
}

// cmdDelete removes the replied message for everyone. Authors delete their
// own; message admins delete anything.
func (r *Relay) cmdDelete(ctx context.Context, u *store.User, tm *telego.Message) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	msg, err := r.repliedSource(ctx, member, tm)
	if err != nil {
		return err
	}
	if msg.MemberID != member.ID {
		if _, err := r.eval.ValidateMember(member, store.MemberAdminMsg, true, false); err != nil {
			return err
		}
	}
	op := NewDelete(msg.ID)
	if err := r.worker.Enqueue(ctx, op); err != nil {
		return err
	}
	n, _ := r.store.NMembers(ctx, r.group)
	r.waitOp(ctx, u.UID, op, n, "🔃 deleting")
	return nil
}

// cmdPin pins or unpins the replied message everywhere.
func (r *Relay) cmdPin(ctx context.Context, u *store.User, tm *telego.Message, pin bool) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if _, err := r.eval.ValidateMember(member, store.MemberAdminMsg, true, false); err != nil {
		return err
	}
	msg, err := r.repliedSource(ctx, member, tm)
	if err != nil {
		return err
	}
	var op *Op
	if pin {
		op = NewPin(msg.ID)
	} else {
		op = NewUnpin(msg.ID)
	}
	if err := r.worker.Enqueue(ctx, op); err != nil {
		return err
	}
	n, _ := r.store.NMembers(ctx, r.group)
	label := "🔃 pinning"
	if !pin {
		label = "🔃 unpinning"
	}
	r.waitOp(ctx, u.UID, op, n, label)
	return nil
}

// banTarget resolves the member to ban: an explicit uid argument, or the
// author of the replied message.
func (r *Relay) banTarget(ctx context.Context, actor *store.Member, tm *telego.Message, arg string) (*store.Member, error) {
	if arg != "" {
		uid, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, store.Operationf("%q is not a user id", arg)
		}
		tu, err := r.store.UserByUID(ctx, uid)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, store.Operationf("no such user")
			}
			return nil, err
		}
		target, err := r.store.MemberOf(ctx, r.group, tu)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, store.Operationf("this user is not a member")
			}
			return nil, err
		}
		return target, nil
	}
	msg, err := r.repliedSource(ctx, actor, tm)
	if err != nil {
		return nil, err
	}
	return r.store.MemberByID(ctx, msg.MemberID)
}

// cmdBan flips a member to BANNED (or back to NORMAL). Ordinal guards: no
// self-bans, no bans at or above your own tier.
func (r *Relay) cmdBan(ctx context.Context, u *store.User, tm *telego.Message, arg string, ban bool) error {
	actor, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if _, err := r.eval.ValidateMember(actor, store.MemberAdminBan, true, false); err != nil {
		return err
	}
	target, err := r.banTarget(ctx, actor, tm, arg)
	if err != nil {
		return err
	}
	if target.ID == actor.ID {
		return store.Operationf("you cannot ban yourself")
	}
	if target.Role >= actor.Role {
		return store.Operationf("you cannot ban a member at or above your level")
	}
	if ban {
		if err := r.store.SetMemberRole(ctx, target, store.MemberBanned); err != nil {
			return err
		}
		r.notify(ctx, u.UID, "🚫 member banned.")
	} else {
		if target.Role != store.MemberBanned {
			return store.Operationf("this member is not banned")
		}
		if err := r.store.SetMemberRole(ctx, target, store.MemberNormal); err != nil {
			return err
		}
		r.notify(ctx, u.UID, "✅ member unbanned.")
	}
	return nil
}

// cmdReveal shows the identity behind the replied message to an admin.
func (r *Relay) cmdReveal(ctx context.Context, u *store.User, tm *telego.Message) error {
	actor, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if _, err := r.eval.ValidateMember(actor, store.MemberAdminAdmin, true, false); err != nil {
		return err
	}
	msg, err := r.repliedSource(ctx, actor, tm)
	if err != nil {
		return err
	}
	author, err := r.store.MemberByID(ctx, msg.MemberID)
	if err != nil {
		return err
	}
	au, err := r.store.UserByID(ctx, author.UserID)
	if err != nil {
		return err
	}
	n, err := r.store.NMemberMessages(ctx, author)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("🎭 %s\n👤 %s (@%s, %d)\n🏅 %s\n💬 %d messages",
		msg.Mask, au.Name(), au.Username, au.UID, author.Role, n)
	_, err = r.client.SendText(ctx, u.UID, text, nil)
	return err
}

// cmdManage shows the group profile and opens the settings conversations.
func (r *Relay) cmdManage(ctx context.Context, u *store.User) error {
	actor, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if _, err := r.eval.ValidateMember(actor, store.MemberAdmin, true, false); err != nil {
		return err
	}
	nMembers, err := r.store.NMembers(ctx, r.group)
	if err != nil {
		return err
	}
	nMessages, err := r.store.NMessages(ctx, r.group)
	if err != nil {
		return err
	}
	state := "public"
	if r.group.Private {
		state = "private"
	}
	if r.group.Password != "" {
		state += ", password protected"
	}
	text := fmt.Sprintf("⚙️ @%s — %s\n👥 %d members, 💬 %d messages\n🔐 %s",
		r.group.Handle, r.groupTitle(), nMembers, nMessages, state)
	buttons := [][]platform.Button{
		{{Text: "✏️ welcome message", Data: "m_welcome"}, {Text: "🔳 buttons", Data: "m_buttons"}},
		{{Text: "📜 chat instruction", Data: "m_instruction"}, {Text: "🔑 password", Data: "m_password"}},
		{{Text: "🕶 toggle private", Data: "m_private"}, {Text: "🔃 toggle replay on join", Data: "m_latest"}},
	}
	_, err = r.client.SendText(ctx, u.UID, text, &platform.SendOptions{Buttons: buttons})
	return err
}

// handleManageCallback routes the /manage menu buttons.
func (r *Relay) handleManageCallback(ctx context.Context, u *store.User, chat int64, data, queryID string) {
	actor, err := r.activeMember(ctx, u)
	if err == nil {
		_, err = r.eval.ValidateMember(actor, store.MemberAdmin, true, false)
	}
	if err != nil {
		_ = r.client.AnswerCallback(ctx, queryID, "admins only", true)
		return
	}
	switch data {
	case "m_welcome":
		r.setConversation(chat, u.ID, ConvWelcomeMessage)
		_ = r.client.AnswerCallback(ctx, queryID, "", false)
		r.notify(ctx, chat, "✏️ send the new welcome message ({name} and {masked_name} expand).")
	case "m_buttons":
		r.setConversation(chat, u.ID, ConvWelcomeButtons)
		_ = r.client.AnswerCallback(ctx, queryID, "", false)
		r.notify(ctx, chat, "🔳 send button lines as text:url|text:url.")
	case "m_instruction":
		r.setConversation(chat, u.ID, ConvInstruction)
		_ = r.client.AnswerCallback(ctx, queryID, "", false)
		r.notify(ctx, chat, "📜 send the chat instruction newcomers must accept.")
	case "m_password":
		r.setConversation(chat, u.ID, ConvSetPassword)
		_ = r.client.AnswerCallback(ctx, queryID, "", false)
		r.notify(ctx, chat, "🔑 send the new password.")
	case "m_private":
		r.group.Private = !r.group.Private
		if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
			r.log.Error("toggle private", "error", err)
		}
		_ = r.client.AnswerCallback(ctx, queryID, fmt.Sprintf("private: %v", r.group.Private), false)
	case "m_latest":
		r.group.WelcomeLatest = !r.group.WelcomeLatest
		if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
			r.log.Error("toggle replay", "error", err)
		}
		_ = r.client.AnswerCallback(ctx, queryID, fmt.Sprintf("replay on join: %v", r.group.WelcomeLatest), false)
	}
}

// cmdInvite mints an invite link for the caller.
func (r *Relay) cmdInvite(ctx context.Context, u *store.User) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if _, err := r.eval.CheckBan(ctx, r.group, member, store.BanInvite, true, true); err != nil {
		return err
	}
	code := store.RandomCode(8)
	inv := &Invite{InviterID: member.ID, Remaining: inviteUses}
	if err := r.saveInvite(ctx, code, inv, inviteTTL); err != nil {
		return err
	}
	link := fmt.Sprintf("https://t.me/%s?start=_c_%s", r.group.Handle, code)
	_, err = r.client.SendText(ctx, u.UID,
		"📨 your invite link (valid 14 days):\n"+link, nil)
	return err
}

// cmdLeave asks for confirmation; the creator cannot leave.
func (r *Relay) cmdLeave(ctx context.Context, u *store.User) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if member.Role == store.MemberCreator {
		return store.Operationf("the creator cannot leave the group")
	}
	_, err = r.client.SendText(ctx, u.UID, "❓ leave this group?", &platform.SendOptions{
		Buttons: [][]platform.Button{{{Text: "🚪 leave", Data: "leave_confirm"}, {Text: "cancel", Data: "noop"}}},
	})
	return err
}
