package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/mask"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

const (
	longMessageLimit = 200
	conversationWait = 120 * time.Second
	noticeTTL        = 5 * time.Second
)

var linkRe = regexp.MustCompile(`(?i)\b(?:https?://|t\.me/|www\.)\S+`)

// notify sends an ephemeral notice that cleans itself up.
func (r *Relay) notify(ctx context.Context, chat int64, text string) {
	mid, err := r.client.SendText(ctx, chat, text, nil)
	if err != nil {
		return
	}
	go func() {
		timer := time.NewTimer(noticeTTL)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = r.client.DeleteMessages(dctx, chat, []int64{mid})
		}
	}()
}

// fail reports an error to the user: operational errors verbatim, everything
// else as a generic notice with the detail logged.
func (r *Relay) fail(ctx context.Context, chat int64, err error) {
	if err == nil {
		return
	}
	if store.IsOperational(err) {
		r.notify(ctx, chat, "⚠️ "+err.Error())
		return
	}
	if errors.Is(err, mask.ErrNotAvailable) {
		r.notify(ctx, chat, "⚠️ sorry, no mask is available right now.")
		return
	}
	r.log.Error("handler error", "error", err)
	r.notify(ctx, chat, "⚠️ an error occurred.")
}

func (r *Relay) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil || m.Chat.Type != telego.ChatTypePrivate {
		return
	}
	u, err := r.store.TouchUser(ctx, m.From.ID, m.From.Username, m.From.FirstName, m.From.LastName)
	if err != nil {
		r.log.Error("touch user", "uid", m.From.ID, "error", err)
		return
	}

	if strings.HasPrefix(m.Text, "/") {
		r.handleCommand(ctx, u, m)
		return
	}
	if conv := r.takeConversation(m.Chat.ID, u.ID); conv != nil {
		r.handleConversation(ctx, u, conv, m)
		return
	}
	err = r.withUser(ctx, u.ID, modeQueue, func(ctx context.Context) error {
		return r.onSend(ctx, u, m)
	})
	r.fail(ctx, m.Chat.ID, err)
}

// handleEdited propagates an author edit to existing redirects only.
func (r *Relay) handleEdited(ctx context.Context, m *telego.Message) {
	if m.From == nil || m.Chat.Type != telego.ChatTypePrivate {
		return
	}
	u, err := r.store.UserByUID(ctx, m.From.ID)
	if err != nil {
		return
	}
	member, err := r.store.MemberOf(ctx, r.group, u)
	if err != nil {
		return
	}
	msg, err := r.store.MessageBySender(ctx, member, int64(m.MessageID))
	if err != nil {
		return
	}
	op := NewEdit(msg.ID, member.ID, contentOf(m))
	if err := r.worker.Enqueue(ctx, op); err != nil {
		r.log.Error("enqueue edit", "error", err)
	}
}

func (r *Relay) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chat := q.Message.GetChat().ID
	u, err := r.store.UserByUID(ctx, q.From.ID)
	if err != nil {
		_ = r.client.AnswerCallback(ctx, q.ID, "", false)
		return
	}
	switch q.Data {
	case "ci_confirm":
		if conv := r.peekConversation(chat, u.ID); conv != nil && conv.Status == ConvConfirmRules {
			close(conv.confirmed)
			r.setConversation(chat, u.ID, "")
		}
		_ = r.client.AnswerCallback(ctx, q.ID, "welcome!", false)
		_ = r.client.DeleteMessages(ctx, chat, []int64{int64(q.Message.GetMessageID())})
	case "leave_confirm":
		member, err := r.store.MemberOf(ctx, r.group, u)
		if err == nil && member.Role != store.MemberCreator {
			_ = r.store.SetMemberRole(ctx, member, store.MemberLeft)
		}
		_ = r.client.AnswerCallback(ctx, q.ID, "you have left the group", true)
		_ = r.client.DeleteMessages(ctx, chat, []int64{int64(q.Message.GetMessageID())})
	case "noop":
		_ = r.client.AnswerCallback(ctx, q.ID, "", false)
		_ = r.client.DeleteMessages(ctx, chat, []int64{int64(q.Message.GetMessageID())})
	default:
		if strings.HasPrefix(q.Data, "m_") {
			r.handleManageCallback(ctx, u, chat, q.Data, q.ID)
			return
		}
		_ = r.client.AnswerCallback(ctx, q.ID, "", false)
	}
}

// contentOf distills the durable view of an inbound message.
func contentOf(m *telego.Message) Content {
	c := Content{Text: m.Text, Entities: platform.EntitiesFrom(m.Entities)}
	if c.Text == "" {
		c.Text = m.Caption
		c.Entities = platform.EntitiesFrom(m.CaptionEntities)
	}
	if m.Voice != nil {
		c.Voice = true
		c.VoiceFileID = m.Voice.FileID
	}
	if hasMedia(m) {
		c.Media = true
	}
	return c
}

func hasMedia(m *telego.Message) bool {
	return len(m.Photo) > 0 || m.Video != nil || m.Document != nil || m.Animation != nil ||
		m.Audio != nil || m.Voice != nil || m.VideoNote != nil || m.Sticker != nil
}

// checkContent enforces the member's content bans against the message.
func (r *Relay) checkContent(ctx context.Context, m *store.Member, tm *telego.Message) error {
	guard := func(t store.BanType) error {
		_, err := r.eval.CheckBan(ctx, r.group, m, t, true, true)
		return err
	}
	if err := guard(store.BanMessage); err != nil {
		return err
	}
	if hasMedia(tm) {
		if err := guard(store.BanMedia); err != nil {
			return err
		}
	}
	if tm.Sticker != nil {
		if err := guard(store.BanSticker); err != nil {
			return err
		}
	}
	if tm.ReplyMarkup != nil {
		if err := guard(store.BanMarkup); err != nil {
			return err
		}
	}
	text := tm.Text
	if text == "" {
		text = tm.Caption
	}
	if containsLink(tm, text) {
		if err := guard(store.BanLink); err != nil {
			return err
		}
	}
	if len([]rune(text)) > longMessageLimit {
		if err := guard(store.BanLong); err != nil {
			return err
		}
	}
	return nil
}

func containsLink(tm *telego.Message, text string) bool {
	entities := tm.Entities
	if len(entities) == 0 {
		entities = tm.CaptionEntities
	}
	for _, e := range entities {
		switch e.Type {
		case telego.EntityTypeURL, telego.EntityTypeTextLink, telego.EntityTypeMention:
			return true
		}
	}
	return linkRe.MatchString(text)
}

// onSend is the non-command text/media path.
func (r *Relay) onSend(ctx context.Context, u *store.User, tm *telego.Message) error {
	member, err := r.store.MemberOf(ctx, r.group, u)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Operationf("you are not in this group, use /start first")
		}
		return err
	}
	if member.Role == store.MemberBanned || member.Role == store.MemberLeft {
		return store.Operationf("you are not in this group, use /start first")
	}
	if err := r.checkContent(ctx, member, tm); err != nil {
		return err
	}

	// Guests must acknowledge the chat instruction before their first send.
	if member.Role == store.MemberGuest && r.group.ChatInstruction != "" {
		confirmed, err := r.confirmInstruction(ctx, u, member)
		if err != nil {
			return err
		}
		if !confirmed {
			return nil // silently drop
		}
		if err := r.store.SetMemberRole(ctx, member, store.MemberNormal); err != nil {
			return err
		}
	}

	msgMask, err := r.resolveMask(ctx, member)
	if err != nil {
		return err
	}

	var replyTo *store.Message
	if tm.ReplyToMessage != nil {
		target, pm, err := r.resolveReply(ctx, member, int64(tm.ReplyToMessage.MessageID))
		if err != nil {
			return err
		}
		if pm != nil {
			return r.replyPM(ctx, member, msgMask, pm, tm)
		}
		replyTo = target
	}

	msg, err := r.store.CreateMessage(ctx, r.group, member, int64(tm.MessageID), msgMask, replyTo)
	if err != nil {
		return err
	}
	if err := r.store.SetLastMask(ctx, member, msgMask); err != nil {
		return err
	}
	if err := r.store.TouchMember(ctx, member); err != nil {
		return err
	}
	if err := r.store.TouchGroup(ctx, r.group); err != nil {
		return err
	}

	op := NewBroadcast(msg.ID, member.ID, contentOf(tm))
	if err := r.worker.Enqueue(ctx, op); err != nil {
		return err
	}
	n, err := r.store.NMembers(ctx, r.group)
	if err != nil {
		n = 0
	}
	r.waitOp(ctx, tm.Chat.ID, op, n, "🔃 sending")
	return nil
}

// confirmInstruction shows the chat instruction and waits for the button.
func (r *Relay) confirmInstruction(ctx context.Context, u *store.User, member *store.Member) (bool, error) {
	conv := r.setConversation(u.UID, u.ID, ConvConfirmRules)
	mid, err := r.client.SendText(ctx, u.UID, r.group.ChatInstruction, &platform.SendOptions{
		Buttons: [][]platform.Button{{{Text: "✅ I understand", Data: "ci_confirm"}}},
	})
	if err != nil {
		r.setConversation(u.UID, u.ID, "")
		return false, err
	}
	timer := time.NewTimer(conversationWait)
	defer timer.Stop()
	select {
	case <-conv.confirmed:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		r.setConversation(u.UID, u.ID, "")
		_ = r.client.DeleteMessages(ctx, u.UID, []int64{mid})
		return false, nil
	}
}

// resolveMask returns the pinned mask when set, else the allocator's.
func (r *Relay) resolveMask(ctx context.Context, member *store.Member) (string, error) {
	if member.PinnedMask != "" {
		return member.PinnedMask, nil
	}
	_, m, err := r.masks.GetMask(ctx, member.ID, false)
	return m, err
}

// resolveReply maps a replied-to mid back to the source Message, in order:
// the member's own messages, redirects delivered to the member, then PM
// copies (which divert the whole send).
func (r *Relay) resolveReply(ctx context.Context, member *store.Member, mid int64) (*store.Message, *store.PMMessage, error) {
	if msg, err := r.store.MessageBySender(ctx, member, mid); err == nil {
		return msg, nil, nil
	} else if err != store.ErrNotFound {
		return nil, nil, err
	}
	if msg, err := r.store.ReverseRedirect(ctx, member, mid); err == nil {
		return msg, nil, nil
	} else if err != store.ErrNotFound {
		return nil, nil, err
	}
	if pm, err := r.store.PMByRedirected(ctx, member, mid); err == nil {
		return nil, pm, nil
	} else if err != store.ErrNotFound {
		return nil, nil, err
	}
	return nil, nil, nil // reply target unknown: broadcast without one
}

// waitOp parks on the op's completion signal with a visible status message,
// polling every second up to 30+5n seconds and refreshing the UI every 10
// polls. The worker keeps running past the caller's timeout.
func (r *Relay) waitOp(ctx context.Context, chat int64, op *Op, nMembers int, label string) {
	statusMID, err := r.client.SendText(ctx, chat, label+" ...", nil)
	if err != nil {
		statusMID = 0
	}
	limit := 30 + 5*nMembers
	done := false
	for i := 0; i < limit; i++ {
		select {
		case <-op.Done():
			done = true
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		if done || ctx.Err() != nil {
			break
		}
		if statusMID != 0 && i%10 == 9 {
			text := fmt.Sprintf("%s ... (%d sent)", label, op.Requests())
			_ = r.client.EditText(ctx, chat, statusMID, text, nil)
		}
	}
	if statusMID == 0 {
		return
	}
	if done && op.Errors() == 0 {
		_ = r.client.DeleteMessages(ctx, chat, []int64{statusMID})
		return
	}
	if done {
		_ = r.client.EditText(ctx, chat, statusMID,
			fmt.Sprintf("⚠️ delivered with %d errors.", op.Errors()), nil)
	} else {
		_ = r.client.EditText(ctx, chat, statusMID, "⚠️ still delivering in background.", nil)
	}
	go func() {
		timer := time.NewTimer(noticeTTL)
		defer timer.Stop()
		<-timer.C
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.client.DeleteMessages(dctx, chat, []int64{statusMID})
	}()
}

// handleConversation consumes a pending status with the inbound message.
func (r *Relay) handleConversation(ctx context.Context, u *store.User, conv *conversation, tm *telego.Message) {
	text := strings.TrimSpace(tm.Text)
	if text == "" {
		text = strings.TrimSpace(tm.Caption)
	}
	var err error
	switch conv.Status {
	case ConvWelcomeMessage:
		err = r.convWelcomeMessage(ctx, u, tm, text)
	case ConvWelcomeButtons:
		err = r.convWelcomeButtons(ctx, u, text)
	case ConvInstruction:
		err = r.convInstruction(ctx, u, text)
	case ConvSetPassword:
		err = r.convSetPassword(ctx, u, text)
	case ConvGivePassword:
		err = r.convGivePassword(ctx, u, tm, text)
	case ConvSetMask:
		err = r.convSetMask(ctx, u, text)
	case ConvConfirmRules:
		// Only the button confirms; put the status back and ignore the text.
		r.convMu.Lock()
		r.convs[convKey{chat: tm.Chat.ID, user: u.ID}] = conv
		r.convMu.Unlock()
	default:
		r.log.Warn("unknown conversation status", "status", conv.Status)
	}
	r.fail(ctx, tm.Chat.ID, err)
}

func (r *Relay) requireAdminMember(ctx context.Context, u *store.User, role store.MemberRole) (*store.Member, error) {
	member, err := r.store.MemberOf(ctx, r.group, u)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.Operationf("you are not in this group")
		}
		return nil, err
	}
	if _, err := r.eval.ValidateMember(member, role, true, false); err != nil {
		return nil, err
	}
	return member, nil
}

func (r *Relay) convWelcomeMessage(ctx context.Context, u *store.User, tm *telego.Message, text string) error {
	if _, err := r.requireAdminMember(ctx, u, store.MemberAdmin); err != nil {
		return err
	}
	if text == "" && len(tm.Photo) == 0 {
		return store.Operationf("the welcome message cannot be empty")
	}
	r.group.WelcomeMessage = text
	if len(tm.Photo) > 0 {
		r.group.WelcomePhoto = tm.Photo[len(tm.Photo)-1].FileID
	}
	if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
		return err
	}
	r.notify(ctx, u.UID, "✅ welcome message updated.")
	return nil
}

func (r *Relay) convWelcomeButtons(ctx context.Context, u *store.User, text string) error {
	if _, err := r.requireAdminMember(ctx, u, store.MemberAdmin); err != nil {
		return err
	}
	if _, err := parseButtonSpec(text); err != nil {
		return err
	}
	r.group.WelcomeButtons = text
	if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
		return err
	}
	r.notify(ctx, u.UID, "✅ welcome buttons updated.")
	return nil
}

func (r *Relay) convInstruction(ctx context.Context, u *store.User, text string) error {
	if _, err := r.requireAdminMember(ctx, u, store.MemberAdmin); err != nil {
		return err
	}
	r.group.ChatInstruction = text
	if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
		return err
	}
	r.notify(ctx, u.UID, "✅ chat instruction updated.")
	return nil
}

func (r *Relay) convSetPassword(ctx context.Context, u *store.User, text string) error {
	if _, err := r.requireAdminMember(ctx, u, store.MemberAdmin); err != nil {
		return err
	}
	r.group.Password = text
	if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
		return err
	}
	if text == "" {
		r.notify(ctx, u.UID, "✅ password removed.")
	} else {
		r.notify(ctx, u.UID, "✅ password set.")
	}
	return nil
}

func (r *Relay) convGivePassword(ctx context.Context, u *store.User, tm *telego.Message, text string) error {
	if r.group.Password == "" || text != r.group.Password {
		return store.Operationf("wrong password")
	}
	return r.finishJoin(ctx, u, tm, nil)
}

func (r *Relay) convSetMask(ctx context.Context, u *store.User, text string) error {
	member, err := r.store.MemberOf(ctx, r.group, u)
	if err != nil {
		return err
	}
	return r.setPinnedMask(ctx, member, text)
}

// setPinnedMask validates and claims a custom mask.
func (r *Relay) setPinnedMask(ctx context.Context, member *store.Member, want string) error {
	clusters := mask.Graphemes(want)
	if len(clusters) == 0 {
		return store.Operationf("a mask must contain at least one emoji")
	}
	limits := []struct {
		n   int
		ban store.BanType
	}{
		{1, store.BanLongMask1},
		{2, store.BanLongMask2},
		{3, store.BanLongMask3},
	}
	for _, l := range limits {
		if len(clusters) > l.n {
			if _, err := r.eval.CheckBan(ctx, r.group, member, l.ban, true, true); err != nil {
				return err
			}
		}
	}
	taken, err := r.masks.TakeMask(ctx, member.ID, want)
	if err != nil {
		return err
	}
	if !taken {
		return store.Operationf("this mask is already in use")
	}
	if other, err := r.store.MemberByPinnedMask(ctx, r.group, want); err == nil && other.ID != member.ID {
		return store.Operationf("this mask is already in use")
	}
	if err := r.store.SetPinnedMask(ctx, member, want); err != nil {
		return err
	}
	r.notify(ctx, memberChat(ctx, r.store, member), "✅ your mask is now "+want)
	return nil
}

// memberChat resolves a member's chat id, 0 on failure.
func memberChat(ctx context.Context, s *store.Store, m *store.Member) int64 {
	u, err := s.UserByID(ctx, m.UserID)
	if err != nil {
		return 0
	}
	return u.UID
}
