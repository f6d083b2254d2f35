package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/perm"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
	"github.com/velvetmask/velvet/internal/voicemask"
)

// Status is the cumulative op accounting mirrored to the cache, per relay
// and process-wide.
type Status struct {
	Time     float64 `json:"time"` // seconds spent from enqueue to completion
	Requests int     `json:"requests"`
	Errors   int     `json:"errors"`
}

// Worker drains the relay's operation queue. Single-message ops run on the
// one consumer loop; bulk replays detach so they never block broadcasts.
type Worker struct {
	store   *store.Store
	eval    *perm.Evaluator
	client  platform.Client
	masker  voicemask.Masker
	queue   *cache.Queue[*Op]
	relaySt *cache.Dict[Status]
	gblSt   *cache.Dict[Status]
	log     *slog.Logger
	groupID int64

	bulkTasks sync.WaitGroup
}

// NewWorker wires the worker for one relay. globalStatus is shared by the
// whole fleet; masker may be nil when voice masking is unavailable.
func NewWorker(s *store.Store, eval *perm.Evaluator, client platform.Client, masker voicemask.Masker,
	queue *cache.Queue[*Op], relayStatus, globalStatus *cache.Dict[Status], groupID int64, log *slog.Logger) *Worker {
	return &Worker{
		store:   s,
		eval:    eval,
		client:  client,
		masker:  masker,
		queue:   queue,
		relaySt: relayStatus,
		gblSt:   globalStatus,
		log:     log,
		groupID: groupID,
	}
}

// Run consumes until the context is canceled, then waits for detached bulk
// tasks to drain.
func (w *Worker) Run(ctx context.Context) {
	defer w.bulkTasks.Wait()
	for {
		op, err := w.queue.Get(ctx)
		if err != nil {
			return
		}
		if op.bulk() {
			w.bulkTasks.Add(1)
			go func() {
				defer w.bulkTasks.Done()
				w.execute(ctx, op)
			}()
			continue
		}
		w.execute(ctx, op)
	}
}

// Enqueue adds an op to the durable queue.
func (w *Worker) Enqueue(ctx context.Context, op *Op) error {
	return w.queue.Put(ctx, op)
}

// QueueLen reports the backlog.
func (w *Worker) QueueLen() int { return w.queue.Len() }

func (w *Worker) execute(ctx context.Context, op *Op) {
	defer w.account(ctx, op)
	defer op.finish()

	g, err := w.store.GroupByID(ctx, w.groupID)
	if err != nil {
		w.log.Error("load group for op", "op", op.ID, "kind", op.Kind, "error", err)
		return
	}
	denied, err := w.eval.GroupDenied(ctx, g, store.BanReceive, false)
	if err != nil || denied {
		return
	}

	switch op.Kind {
	case KindBroadcast:
		err = w.broadcast(ctx, g, op)
	case KindEdit:
		err = w.edit(ctx, g, op)
	case KindDelete:
		err = w.remove(ctx, g, op)
	case KindPin:
		err = w.pin(ctx, g, op, true)
	case KindUnpin:
		err = w.pin(ctx, g, op, false)
	case KindBulkRedirect:
		err = w.bulkRedirect(ctx, g, op)
	case KindBulkPin:
		err = w.bulkPin(ctx, g, op)
	default:
		w.log.Warn("unknown op kind", "kind", op.Kind)
	}
	if err != nil {
		w.log.Warn("op aborted", "op", op.ID, "kind", op.Kind, "message", op.MessageID, "error", err)
	}
}

// account reports (duration, requests, errors) to both status dicts.
func (w *Worker) account(ctx context.Context, op *Op) {
	elapsed := time.Since(op.Created).Seconds()
	requests, errs := op.Requests(), op.Errors()
	apply := func(s *Status) {
		s.Time += elapsed
		s.Requests += requests
		s.Errors += errs
	}
	if err := w.relaySt.Update(ctx, apply); err != nil {
		w.log.Warn("save relay worker status", "error", err)
	}
	if err := w.gblSt.Update(ctx, apply); err != nil {
		w.log.Warn("save global worker status", "error", err)
	}
}

// compose builds the outbound body: mask-prefixed text, or a placeholder for
// media without caption. Source entities are carried over with their offsets
// shifted past the prefix.
func compose(mask, text string, ents []platform.Entity) (string, []platform.Entity) {
	if text == "" {
		return mask + " sent a media.", nil
	}
	prefix := mask + " | "
	if len(ents) == 0 {
		return prefix + text, nil
	}
	shift := utf16Len(prefix)
	out := make([]platform.Entity, len(ents))
	for i, e := range ents {
		e.Offset += shift
		out[i] = e
	}
	return prefix + text, out
}

// utf16Len counts UTF-16 code units, the unit entity offsets are expressed in.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// recipient pairs a member with the chat id it is reached at.
type recipient struct {
	member *store.Member
	chat   int64
}

// recipients enumerates deliverable members with their chat ids. Roles below
// GUEST are already filtered by the store.
func (w *Worker) recipients(ctx context.Context, g *store.Group) ([]recipient, error) {
	members, err := w.store.Recipients(ctx, g)
	if err != nil {
		return nil, err
	}
	out := make([]recipient, 0, len(members))
	for _, m := range members {
		u, err := w.store.UserByID(ctx, m.UserID)
		if err != nil {
			return nil, err
		}
		out = append(out, recipient{member: m, chat: u.UID})
	}
	return out, nil
}

// replyTarget resolves the reply mid visible to recipient r, if any.
func (w *Worker) replyTarget(ctx context.Context, msg *store.Message, r *store.Member) int64 {
	if msg.ReplyToID == nil {
		return 0
	}
	src, err := w.store.MessageByID(ctx, *msg.ReplyToID)
	if err != nil {
		return 0
	}
	if src.MemberID == r.ID {
		return src.MID
	}
	rd, err := w.store.RedirectFor(ctx, src, r)
	if err != nil {
		return 0
	}
	return rd.MID
}

// maskedVoice runs the DSP once per broadcast. Returns nil when the source
// should be sent as a plain copy instead.
func (w *Worker) maskedVoice(ctx context.Context, g *store.Group, op *Op) []byte {
	if w.masker == nil || op.Content == nil || !op.Content.Voice {
		return nil
	}
	prime, err := w.voicePrime(ctx, g, op.SenderID)
	if err != nil || !prime {
		return nil
	}
	raw, err := w.client.DownloadFile(ctx, op.Content.VoiceFileID)
	if err != nil {
		w.log.Warn("download voice", "error", err)
		return nil
	}
	data, _, err := w.masker.MaskVoice(ctx, raw)
	if err != nil {
		w.log.Warn("mask voice", "error", err)
		return nil
	}
	return data
}

// voicePrime reports whether the sender or the relay creator holds a prime
// role.
func (w *Worker) voicePrime(ctx context.Context, g *store.Group, senderID int64) (bool, error) {
	sender, err := w.store.MemberByID(ctx, senderID)
	if err != nil {
		return false, err
	}
	su, err := w.store.UserByID(ctx, sender.UserID)
	if err != nil {
		return false, err
	}
	if ok, err := w.store.HasRole(ctx, su, store.PrimeRoles...); err != nil || ok {
		return ok, err
	}
	cu, err := w.store.UserByID(ctx, g.CreatorID)
	if err != nil {
		return false, err
	}
	return w.store.HasRole(ctx, cu, store.PrimeRoles...)
}

func (w *Worker) broadcast(ctx context.Context, g *store.Group, op *Op) error {
	msg, err := w.store.MessageByID(ctx, op.MessageID)
	if err != nil {
		return err
	}
	sender, err := w.store.MemberByID(ctx, op.SenderID)
	if err != nil {
		return err
	}
	senderUser, err := w.store.UserByID(ctx, sender.UserID)
	if err != nil {
		return err
	}
	rs, err := w.recipients(ctx, g)
	if err != nil {
		return err
	}

	body, ents := compose(msg.Mask, op.Content.Text, op.Content.Entities)
	voiceData := w.maskedVoice(ctx, g, op)
	voiceFileID := ""

	for _, r := range rs {
		if r.member.ID == sender.ID {
			continue
		}
		if denied, err := w.eval.CheckBan(ctx, g, r.member, store.BanReceive, false, false); err != nil || denied {
			continue
		}
		opts := &platform.SendOptions{ReplyTo: w.replyTarget(ctx, msg, r.member), Entities: ents}

		var mid int64
		var sendErr error
		switch {
		case voiceData != nil:
			var sentID string
			mid, sentID, sendErr = w.client.SendVoice(ctx, r.chat, voiceFileID, voiceData, body, opts)
			if sendErr == nil && voiceFileID == "" {
				voiceFileID = sentID
			}
		case op.Content.Media:
			mid, sendErr = w.client.CopyMessage(ctx, r.chat, senderUser.UID, msg.MID, body, opts)
		default:
			mid, sendErr = w.client.SendText(ctx, r.chat, body, opts)
		}

		op.requests.Add(1)
		if sendErr != nil {
			op.errors.Add(1)
			if platform.Unreachable(sendErr) && r.member.Role != store.MemberCreator {
				if err := w.store.SetMemberRole(ctx, r.member, store.MemberLeft); err != nil {
					w.log.Warn("downgrade unreachable member", "member", r.member.ID, "error", err)
				}
			}
			continue
		}
		if _, err := w.store.RecordRedirect(ctx, msg, r.member, mid); err != nil {
			w.log.Error("record redirect", "message", msg.ID, "member", r.member.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) edit(ctx context.Context, g *store.Group, op *Op) error {
	msg, err := w.store.MessageByID(ctx, op.MessageID)
	if err != nil {
		return err
	}
	rs, err := w.recipients(ctx, g)
	if err != nil {
		return err
	}
	body, ents := compose(msg.Mask, op.Content.Text, op.Content.Entities)

	for _, r := range rs {
		if r.member.ID == msg.MemberID {
			continue
		}
		if denied, err := w.eval.CheckBan(ctx, g, r.member, store.BanReceive, false, false); err != nil || denied {
			continue
		}
		op.requests.Add(1)
		rd, err := w.store.RedirectFor(ctx, msg, r.member)
		if err != nil {
			continue // no redirect: edits never synthesize a send
		}
		if err := w.client.EditText(ctx, r.chat, rd.MID, body, &platform.SendOptions{Entities: ents}); err != nil &&
			!errors.Is(err, platform.ErrNotModified) {
			op.errors.Add(1)
		}
	}
	return nil
}

func (w *Worker) remove(ctx context.Context, g *store.Group, op *Op) error {
	msg, err := w.store.MessageByID(ctx, op.MessageID)
	if err != nil {
		return err
	}
	rs, err := w.recipients(ctx, g)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if denied, err := w.eval.CheckBan(ctx, g, r.member, store.BanReceive, false, false); err != nil || denied {
			continue
		}
		mid := int64(0)
		if r.member.ID == msg.MemberID {
			mid = msg.MID
		} else if rd, err := w.store.RedirectFor(ctx, msg, r.member); err == nil {
			mid = rd.MID
		}
		if mid == 0 {
			continue
		}
		op.requests.Add(1)
		if err := w.client.DeleteMessages(ctx, r.chat, []int64{mid}); err != nil &&
			!errors.Is(err, platform.ErrNotFound) {
			op.errors.Add(1)
		}
	}
	return nil
}

// pin handles both pin and unpin. Member-scope RECEIVE denial is ignored so
// admin-issued pins reach everyone still in the relay.
func (w *Worker) pin(ctx context.Context, g *store.Group, op *Op, pinned bool) error {
	msg, err := w.store.MessageByID(ctx, op.MessageID)
	if err != nil {
		return err
	}
	rs, err := w.recipients(ctx, g)
	if err != nil {
		return err
	}
	for _, r := range rs {
		mid := int64(0)
		if r.member.ID == msg.MemberID {
			mid = msg.MID
		} else if rd, err := w.store.RedirectFor(ctx, msg, r.member); err == nil {
			mid = rd.MID
		}
		if mid == 0 {
			continue
		}
		op.requests.Add(1)
		var callErr error
		if pinned {
			callErr = w.client.PinMessage(ctx, r.chat, mid)
		} else {
			callErr = w.client.UnpinMessage(ctx, r.chat, mid)
		}
		if callErr != nil && !errors.Is(callErr, platform.ErrNotFound) {
			op.errors.Add(1)
		}
	}
	return w.store.SetMessagePinned(ctx, msg, pinned)
}

// bulkRedirect replays history to one member with 1s spacing. A denied or
// demoted member short-circuits the whole op.
func (w *Worker) bulkRedirect(ctx context.Context, g *store.Group, op *Op) error {
	m, err := w.store.MemberByID(ctx, op.RecipientID)
	if err != nil {
		return err
	}
	if m.Role < store.MemberGuest {
		return nil
	}
	if denied, err := w.eval.CheckBan(ctx, g, m, store.BanReceive, false, true); err != nil || denied {
		return err
	}
	u, err := w.store.UserByID(ctx, m.UserID)
	if err != nil {
		return err
	}

	for i, msgID := range op.MessageIDs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		msg, err := w.store.MessageByID(ctx, msgID)
		if err != nil {
			continue
		}
		if msg.MemberID == m.ID {
			continue
		}
		if _, err := w.store.RedirectFor(ctx, msg, m); err == nil {
			continue // already delivered
		}
		author, err := w.store.MemberByID(ctx, msg.MemberID)
		if err != nil {
			continue
		}
		authorUser, err := w.store.UserByID(ctx, author.UserID)
		if err != nil {
			continue
		}
		op.requests.Add(1)
		mid, err := w.client.CopyMessage(ctx, u.UID, authorUser.UID, msg.MID, "", nil)
		if err != nil {
			op.errors.Add(1)
			continue
		}
		if _, err := w.store.RecordRedirect(ctx, msg, m, mid); err != nil {
			w.log.Error("record bulk redirect", "message", msg.ID, "member", m.ID, "error", err)
		}
	}
	return nil
}

// bulkPin re-pins previously delivered pinned messages for one member.
func (w *Worker) bulkPin(ctx context.Context, g *store.Group, op *Op) error {
	m, err := w.store.MemberByID(ctx, op.RecipientID)
	if err != nil {
		return err
	}
	if m.Role < store.MemberGuest {
		return nil
	}
	if denied, err := w.eval.CheckBan(ctx, g, m, store.BanReceive, false, true); err != nil || denied {
		return err
	}
	u, err := w.store.UserByID(ctx, m.UserID)
	if err != nil {
		return err
	}

	for i, msgID := range op.MessageIDs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		msg, err := w.store.MessageByID(ctx, msgID)
		if err != nil {
			continue
		}
		mid := int64(0)
		if msg.MemberID == m.ID {
			mid = msg.MID
		} else if rd, err := w.store.RedirectFor(ctx, msg, m); err == nil {
			mid = rd.MID
		}
		if mid == 0 {
			continue
		}
		op.requests.Add(1)
		if err := w.client.PinMessage(ctx, u.UID, mid); err != nil {
			op.errors.Add(1)
		}
	}
	return nil
}
