package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

const (
	inviteUses  = 100
	inviteTTL   = 14 * 24 * time.Hour
	replayLimit = 10
)

// Invite is the cache-backed value behind a group invite code.
type Invite struct {
	InviterID int64 `json:"inviter_id"` // member row id
	Remaining int   `json:"remaining"`

	code string // carried in memory only
}

func (r *Relay) inviteCacheKey(code string) string {
	return cache.GroupKey(r.token, "invite", code)
}

func (r *Relay) loadInvite(ctx context.Context, code string) (*Invite, error) {
	raw, ok, err := r.backing.Get(ctx, r.inviteCacheKey(code))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.Operationf("this invite link is invalid or expired")
	}
	var inv Invite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Relay) saveInvite(ctx context.Context, code string, inv *Invite, ttl time.Duration) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return r.backing.Set(ctx, r.inviteCacheKey(code), raw, ttl)
}

// onStart handles /start, optionally carrying an invite payload.
func (r *Relay) onStart(ctx context.Context, u *store.User, tm *telego.Message, payload string) error {
	var inv *Invite
	var code string
	if strings.HasPrefix(payload, "_c_") {
		code = strings.TrimPrefix(payload, "_c_")
		loaded, err := r.loadInvite(ctx, code)
		if err != nil {
			return err
		}
		if loaded.Remaining <= 0 {
			return store.Operationf("this invite link is used up")
		}
		inviter, err := r.store.MemberByID(ctx, loaded.InviterID)
		if err != nil {
			return store.Operationf("this invite link is invalid or expired")
		}
		if denied, err := r.eval.CheckBan(ctx, r.group, inviter, store.BanInvite, false, true); err != nil || denied {
			return store.Operationf("this invite link is invalid or expired")
		}
		inv = loaded
	}

	member, err := r.store.MemberOf(ctx, r.group, u)
	switch {
	case err == nil && member.Role >= store.MemberGuest:
		// Already in: show the welcome again and catch up history.
		if err := r.sendWelcome(ctx, u); err != nil {
			return err
		}
		return r.sendLatest(ctx, u, member)
	case err == nil && member.Role == store.MemberBanned:
		return store.Operationf("you are banned from this group")
	case err != nil && err != store.ErrNotFound:
		return err
	}

	// Joining. Private groups need an invite; password groups prompt.
	if inv == nil && r.group.Private {
		return store.Operationf("this group is private, ask a member for an invite link")
	}
	if inv == nil && r.group.Password != "" {
		r.setConversation(u.UID, u.ID, ConvGivePassword)
		_, err := r.client.SendText(ctx, u.UID, "🔒 this group is protected, send the password to join.", nil)
		return err
	}
	if inv != nil {
		inv.code = code
	}
	return r.finishJoin(ctx, u, tm, inv)
}

// finishJoin admits the user as GUEST (or revives a LEFT membership) and
// runs the welcome + replay flow. inv, when set, is consumed.
func (r *Relay) finishJoin(ctx context.Context, u *store.User, tm *telego.Message, inv *Invite) error {
	member, err := r.store.MemberOf(ctx, r.group, u)
	switch {
	case err == store.ErrNotFound:
		member, err = r.store.CreateMember(ctx, r.group, u, store.MemberGuest)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if member.Role == store.MemberBanned {
			return store.Operationf("you are banned from this group")
		}
		if member.Role < store.MemberGuest {
			if err := r.store.SetMemberRole(ctx, member, store.MemberGuest); err != nil {
				return err
			}
		}
	}

	if inv != nil {
		inviter, err := r.store.MemberByID(ctx, inv.InviterID)
		if err == nil && inviter.ID != member.ID {
			if err := r.store.SetInvitor(ctx, member, inviter); err != nil {
				return err
			}
			invUser, err := r.store.UserByID(ctx, inviter.UserID)
			if err == nil {
				if err := r.store.GrantFrom(ctx, invUser, u, store.UserInvited, nil); err != nil {
					return err
				}
			}
			inv.Remaining--
			if err := r.saveInvite(ctx, inv.code, inv, inviteTTL); err != nil {
				r.log.Warn("decrement invite", "error", err)
			}
		}
	}

	if err := r.sendWelcome(ctx, u); err != nil {
		return err
	}
	return r.sendLatest(ctx, u, member)
}

// sendWelcome renders the group's welcome template for the user.
func (r *Relay) sendWelcome(ctx context.Context, u *store.User) error {
	body := r.group.WelcomeMessage
	if body == "" {
		body = fmt.Sprintf("🎭 welcome to %s, everything you send here is anonymous.", r.groupTitle())
	}
	body = strings.ReplaceAll(body, "{name}", u.Name())
	body = strings.ReplaceAll(body, "{masked_name}", u.MaskedName())

	buttons, err := parseButtonSpec(r.group.WelcomeButtons)
	if err != nil {
		r.log.Warn("stored button spec invalid", "error", err)
		buttons = nil
	}
	opts := &platform.SendOptions{Buttons: buttons}
	if r.group.WelcomePhoto != "" {
		_, err = r.client.SendPhoto(ctx, u.UID, r.group.WelcomePhoto, body, opts)
	} else {
		_, err = r.client.SendText(ctx, u.UID, body, opts)
	}
	return err
}

func (r *Relay) groupTitle() string {
	if r.group.Title != "" {
		return r.group.Title
	}
	return "@" + r.group.Handle
}

// parseButtonSpec parses the "text:url|text:url" per-line button grammar.
func parseButtonSpec(spec string) ([][]platform.Button, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var rows [][]platform.Button
	for _, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row []platform.Button
		for _, b := range strings.Split(line, "|") {
			text, url, ok := strings.Cut(b, ":")
			if !ok {
				return nil, store.Operationf("invalid button %q, expected text:url", b)
			}
			text, url = strings.TrimSpace(text), strings.TrimSpace(url)
			if text == "" || url == "" {
				return nil, store.Operationf("invalid button %q, expected text:url", b)
			}
			row = append(row, platform.Button{Text: text, URL: url})
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// sendLatest replays pinned history and recent messages through detached
// bulk ops when the group opts in.
func (r *Relay) sendLatest(ctx context.Context, u *store.User, member *store.Member) error {
	if !r.group.WelcomeLatest {
		return nil
	}
	pinned, err := r.store.NotRedirectedMessages(ctx, r.group, member, true, replayLimit)
	if err != nil {
		return err
	}
	if len(pinned) > 0 {
		if err := r.runBulk(ctx, u.UID, NewBulkRedirect(idsOldestFirst(pinned), member.ID), "🔃 loading pinned messages"); err != nil {
			return err
		}
		allPinned, err := r.store.PinnedMessages(ctx, r.group, replayLimit)
		if err != nil {
			return err
		}
		if err := r.runBulk(ctx, u.UID, NewBulkPin(idsOldestFirst(allPinned), member.ID), "🔃 pinning"); err != nil {
			return err
		}
	}
	recent, err := r.store.NotRedirectedMessages(ctx, r.group, member, false, replayLimit)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		if err := r.runBulk(ctx, u.UID, NewBulkRedirect(idsOldestFirst(recent), member.ID), "🔃 loading recent messages"); err != nil {
			return err
		}
	}
	return nil
}

// idsOldestFirst reverses the store's newest-first listing for replay order.
func idsOldestFirst(msgs []*store.Message) []int64 {
	ids := make([]int64, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		ids = append(ids, msgs[i].ID)
	}
	return ids
}

// runBulk enqueues a bulk op and waits up to 120s behind a status message.
func (r *Relay) runBulk(ctx context.Context, chat int64, op *Op, label string) error {
	if len(op.MessageIDs) == 0 {
		return nil
	}
	statusMID, err := r.client.SendText(ctx, chat, label+" ...", nil)
	if err != nil {
		statusMID = 0
	}
	if err := r.worker.Enqueue(ctx, op); err != nil {
		return err
	}
	timer := time.NewTimer(conversationWait)
	defer timer.Stop()
	select {
	case <-op.Done():
	case <-ctx.Done():
	case <-timer.C:
		if statusMID != 0 {
			_ = r.client.EditText(ctx, chat, statusMID, "⚠️ "+label+" timed out.", nil)
			return nil
		}
	}
	if statusMID != 0 {
		_ = r.client.DeleteMessages(ctx, chat, []int64{statusMID})
	}
	return nil
}
