package relay

import (
	"context"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/store"
)

// Private messages: a masked side channel between two members. The sender's
// ban types gate it by the target's tier, and either side can have silenced
// the pair.

// cmdPM sends arg privately to the author of the replied message.
func (r *Relay) cmdPM(ctx context.Context, u *store.User, tm *telego.Message, arg string) error {
	member, err := r.activeMember(ctx, u)
	if err != nil {
		return err
	}
	if arg == "" {
		return store.Operationf("usage: reply to a message with /pm <text>")
	}
	msg, err := r.repliedSource(ctx, member, tm)
	if err != nil {
		return err
	}
	target, err := r.store.MemberByID(ctx, msg.MemberID)
	if err != nil {
		return err
	}
	msgMask, err := r.resolveMask(ctx, member)
	if err != nil {
		return err
	}
	return r.sendPM(ctx, member, target, msgMask, arg, int64(tm.MessageID))
}

// replyPM routes a plain reply to a PM copy back to its sender.
func (r *Relay) replyPM(ctx context.Context, member *store.Member, msgMask string, pm *store.PMMessage, tm *telego.Message) error {
	target, err := r.store.MemberByID(ctx, pm.FromMemberID)
	if err != nil {
		return err
	}
	text := tm.Text
	if text == "" {
		text = tm.Caption
	}
	if text == "" {
		return store.Operationf("only text can be sent privately")
	}
	return r.sendPM(ctx, member, target, msgMask, text, int64(tm.MessageID))
}

// sendPM delivers a masked private message and records the copy so the
// recipient can reply to it.
func (r *Relay) sendPM(ctx context.Context, from, to *store.Member, msgMask, text string, mid int64) error {
	if to.ID == from.ID {
		return store.Operationf("you cannot message yourself")
	}
	if to.Role < store.MemberGuest {
		return store.Operationf("this member is no longer in the group")
	}
	banType := store.BanPMUser
	if to.Role >= store.MemberAdmin {
		banType = store.BanPMAdmin
	}
	if _, err := r.eval.CheckBan(ctx, r.group, from, banType, true, true); err != nil {
		return err
	}
	banned, err := r.store.PMBanned(ctx, from, to)
	if err != nil {
		return err
	}
	if !banned {
		banned, err = r.store.PMBanned(ctx, to, from)
		if err != nil {
			return err
		}
	}
	if banned {
		return store.Operationf("this member does not accept your private messages")
	}

	chat := memberChat(ctx, r.store, to)
	if chat == 0 {
		return store.Operationf("this member is unreachable")
	}
	sentMID, err := r.client.SendText(ctx, chat, msgMask+" (pm) | "+text, nil)
	if err != nil {
		return err
	}
	if _, err := r.store.CreatePMMessage(ctx, r.group, from, to, mid, sentMID); err != nil {
		return err
	}
	r.notify(ctx, memberChat(ctx, r.store, from), "✅ private message delivered.")
	return nil
}
