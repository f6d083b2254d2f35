package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/perm"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

type workerFixture struct {
	store    *store.Store
	client   *platform.Recorder
	worker   *Worker
	group    *store.Group
	members  map[string]*store.Member // name -> member
	chats    map[string]int64         // name -> chat id
	backing  *cache.Memory
	relaySt  *cache.Dict[Status]
	globalSt *cache.Dict[Status]
}

// newWorkerFixture builds a relay with members A (creator), B, C.
func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "velvet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &workerFixture{
		store:   s,
		client:  platform.NewRecorder(),
		members: map[string]*store.Member{},
		chats:   map[string]int64{},
		backing: cache.NewMemory(),
	}

	creator, err := s.TouchUser(ctx, 1001, "a", "A", "")
	if err != nil {
		t.Fatal(err)
	}
	f.group, err = s.CreateGroup(ctx, store.CreateGroupParams{
		UID: 900001, Token: "123456789:TESTTOKENTESTTOKENTESTTOKENTESTTOKE",
		Handle: "velvet_test_bot", Title: "velvet test", Creator: creator,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.members["A"], _ = s.MemberOf(ctx, f.group, creator)
	f.chats["A"] = 1001

	for i, name := range []string{"B", "C"} {
		uid := int64(1002 + i)
		u, err := s.TouchUser(ctx, uid, "", name, "")
		if err != nil {
			t.Fatal(err)
		}
		m, err := s.CreateMember(ctx, f.group, u, store.MemberNormal)
		if err != nil {
			t.Fatal(err)
		}
		f.members[name] = m
		f.chats[name] = uid
	}

	queue, err := cache.NewQueue[*Op](ctx, f.backing, cache.GroupKey(f.group.Token, "operations"), OpCodec{})
	if err != nil {
		t.Fatal(err)
	}
	f.relaySt = cache.NewDict(f.backing, cache.GroupKey(f.group.Token, "worker_status"), func() Status { return Status{} })
	f.globalSt = cache.NewDict(f.backing, cache.SystemKey("worker_status"), func() Status { return Status{} })
	f.worker = NewWorker(s, perm.New(s), f.client, nil, queue, f.relaySt, f.globalSt, f.group.ID, slog.Default())
	return f
}

// say persists a message row from the named member and returns it.
func (f *workerFixture) say(t *testing.T, name string, mid int64, mask string, replyTo *store.Message) *store.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), f.group, f.members[name], mid, mask, replyTo)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestBroadcastBasic(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	op := NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "hello"})
	f.worker.execute(ctx, op)

	select {
	case <-op.Done():
	default:
		t.Fatal("op must be signaled")
	}
	if op.Requests() != 2 || op.Errors() != 0 {
		t.Fatalf("requests=%d errors=%d, want 2/0", op.Requests(), op.Errors())
	}
	for _, name := range []string{"B", "C"} {
		calls := f.client.CallsTo(f.chats[name])
		if len(calls) != 1 {
			t.Fatalf("%s got %d calls", name, len(calls))
		}
		if calls[0].Text != "🦊 | hello" {
			t.Errorf("%s body = %q", name, calls[0].Text)
		}
		if _, err := f.store.RedirectFor(ctx, msg, f.members[name]); err != nil {
			t.Errorf("missing redirect for %s: %v", name, err)
		}
	}
	if len(f.client.CallsTo(f.chats["A"])) != 0 {
		t.Error("sender must not receive its own broadcast")
	}
}

func TestBroadcastShiftsEntityOffsets(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	op := NewBroadcast(msg.ID, f.members["A"].ID, Content{
		Text:     "bold and link",
		Entities: []platform.Entity{{Type: "bold", Offset: 0, Length: 4}, {Type: "text_link", Offset: 9, Length: 4, URL: "https://example.com"}},
	})
	f.worker.execute(ctx, op)

	calls := f.client.CallsTo(f.chats["B"])
	if len(calls) != 1 {
		t.Fatalf("B got %d calls", len(calls))
	}
	if calls[0].Text != "🦊 | bold and link" {
		t.Fatalf("body = %q", calls[0].Text)
	}
	// The fox emoji is an astral code point: 2 UTF-16 units, plus " | ".
	const shift = 5
	ents := calls[0].Entities
	if len(ents) != 2 {
		t.Fatalf("entities = %+v", ents)
	}
	if ents[0].Type != "bold" || ents[0].Offset != shift || ents[0].Length != 4 {
		t.Errorf("bold entity = %+v", ents[0])
	}
	if ents[1].Offset != 9+shift || ents[1].URL != "https://example.com" {
		t.Errorf("link entity = %+v", ents[1])
	}
}

func TestEditCarriesEntities(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	if _, err := f.store.RecordRedirect(ctx, msg, f.members["B"], 700); err != nil {
		t.Fatal(err)
	}
	op := NewEdit(msg.ID, f.members["A"].ID, Content{
		Text:     "fixed",
		Entities: []platform.Entity{{Type: "italic", Offset: 0, Length: 5}},
	})
	f.worker.execute(ctx, op)

	calls := f.client.CallsTo(f.chats["B"])
	if len(calls) != 1 || calls[0].Method != "EditText" {
		t.Fatalf("B calls = %+v", calls)
	}
	if len(calls[0].Entities) != 1 || calls[0].Entities[0].Offset != 5 {
		t.Fatalf("edit entities = %+v", calls[0].Entities)
	}
}

func TestBroadcastMediaPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🐙", nil)
	op := NewBroadcast(msg.ID, f.members["A"].ID, Content{Media: true})
	f.worker.execute(ctx, op)

	calls := f.client.CallsTo(f.chats["B"])
	if len(calls) != 1 || calls[0].Method != "CopyMessage" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Text != "🐙 sent a media." {
		t.Errorf("caption = %q", calls[0].Text)
	}
}

func TestBroadcastGroupOfOne(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	for _, name := range []string{"B", "C"} {
		if err := f.store.SetMemberRole(ctx, f.members[name], store.MemberLeft); err != nil {
			t.Fatal(err)
		}
	}

	msg := f.say(t, "A", 500, "🦊", nil)
	op := NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "alone"})
	f.worker.execute(ctx, op)

	if op.Requests() != 0 || op.Errors() != 0 {
		t.Fatalf("requests=%d errors=%d, want 0/0", op.Requests(), op.Errors())
	}
	if len(f.client.Calls()) != 0 {
		t.Fatal("no deliveries expected")
	}
}

func TestBroadcastBlockedRecipientDowngraded(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.client.FailChat(f.chats["B"], fmt.Errorf("wrap: %w", platform.ErrUserBlocked))

	msg := f.say(t, "A", 500, "🦊", nil)
	op := NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "hello"})
	f.worker.execute(ctx, op)

	if op.Requests() != 2 || op.Errors() != 1 {
		t.Fatalf("requests=%d errors=%d, want 2/1", op.Requests(), op.Errors())
	}
	b, err := f.store.MemberByID(ctx, f.members["B"].ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Role != store.MemberLeft {
		t.Fatalf("B role = %s, want LEFT", b.Role)
	}
	// C still delivered.
	if _, err := f.store.RedirectFor(ctx, msg, f.members["C"]); err != nil {
		t.Errorf("C redirect missing: %v", err)
	}
}

func TestBroadcastCreatorNeverDowngraded(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.client.FailChat(f.chats["A"], fmt.Errorf("wrap: %w", platform.ErrUserBlocked))

	msg := f.say(t, "B", 500, "🐙", nil)
	op := NewBroadcast(msg.ID, f.members["B"].ID, Content{Text: "hi"})
	f.worker.execute(ctx, op)

	a, err := f.store.MemberByID(ctx, f.members["A"].ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Role != store.MemberCreator {
		t.Fatalf("creator role = %s", a.Role)
	}
}

func TestBroadcastReplyFidelity(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	// A sends S; redirects land at B and C.
	src := f.say(t, "A", 500, "🦊", nil)
	f.worker.execute(ctx, NewBroadcast(src.ID, f.members["A"].ID, Content{Text: "hello"}))
	rdC, err := f.store.RedirectFor(ctx, src, f.members["C"])
	if err != nil {
		t.Fatal(err)
	}

	// B replies to its copy; the controller resolves the target to S.
	reply := f.say(t, "B", 600, "🐙", src)
	f.worker.execute(ctx, NewBroadcast(reply.ID, f.members["B"].ID, Content{Text: "hi"}))

	aCalls := f.client.CallsTo(f.chats["A"])
	if len(aCalls) != 1 || aCalls[0].ReplyTo != src.MID {
		t.Fatalf("A sees reply_to=%d, want source mid %d", aCalls[0].ReplyTo, src.MID)
	}
	cCalls := f.client.CallsTo(f.chats["C"])
	if len(cCalls) != 2 || cCalls[1].ReplyTo != rdC.MID {
		t.Fatalf("C sees reply_to=%d, want redirect mid %d", cCalls[1].ReplyTo, rdC.MID)
	}
}

func TestBroadcastReplyWithoutRedirect(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	// Source never broadcast, so no redirects exist anywhere.
	src := f.say(t, "A", 500, "🦊", nil)
	reply := f.say(t, "B", 600, "🐙", src)
	op := NewBroadcast(reply.ID, f.members["B"].ID, Content{Text: "hi"})
	f.worker.execute(ctx, op)

	if op.Errors() != 0 {
		t.Fatalf("errors = %d", op.Errors())
	}
	cCalls := f.client.CallsTo(f.chats["C"])
	if len(cCalls) != 1 || cCalls[0].ReplyTo != 0 {
		t.Fatalf("C should get the copy without a reply target: %+v", cCalls)
	}
	// A authored the source, so A's copy replies to the original mid.
	aCalls := f.client.CallsTo(f.chats["A"])
	if len(aCalls) != 1 || aCalls[0].ReplyTo != src.MID {
		t.Fatalf("A calls = %+v", aCalls)
	}
}

func TestEditOnlyExistingRedirects(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	// Only B has a redirect.
	rdB, err := f.store.RecordRedirect(ctx, msg, f.members["B"], 700)
	if err != nil {
		t.Fatal(err)
	}

	op := NewEdit(msg.ID, f.members["A"].ID, Content{Text: "hello2"})
	f.worker.execute(ctx, op)

	bCalls := f.client.CallsTo(f.chats["B"])
	if len(bCalls) != 1 || bCalls[0].Method != "EditText" {
		t.Fatalf("B calls = %+v", bCalls)
	}
	if bCalls[0].MID != rdB.MID || bCalls[0].Text != "🦊 | hello2" {
		t.Fatalf("edit call = %+v", bCalls[0])
	}
	if len(f.client.CallsTo(f.chats["C"])) != 0 {
		t.Error("edit must not synthesize a send for C")
	}
}

func TestDeleteEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	f.worker.execute(ctx, NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "hello"}))

	op := NewDelete(msg.ID)
	f.worker.execute(ctx, op)

	if op.Requests() != 3 || op.Errors() != 0 {
		t.Fatalf("requests=%d errors=%d, want 3/0", op.Requests(), op.Errors())
	}
	aCalls := f.client.CallsTo(f.chats["A"])
	last := aCalls[len(aCalls)-1]
	if last.Method != "DeleteMessages" || last.MIDs[0] != msg.MID {
		t.Fatalf("author deletion = %+v", last)
	}
}

func TestPinMarksMessage(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	f.worker.execute(ctx, NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "hello"}))
	f.worker.execute(ctx, NewPin(msg.ID))

	got, err := f.store.MessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Pinned {
		t.Fatal("message should be marked pinned")
	}
	for _, name := range []string{"A", "B", "C"} {
		found := false
		for _, c := range f.client.CallsTo(f.chats[name]) {
			if c.Method == "PinMessage" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s never got a pin", name)
		}
	}
}

func TestBulkRedirectSkipsDelivered(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	m1 := f.say(t, "A", 500, "🦊", nil)
	m2 := f.say(t, "A", 501, "🦊", nil)
	if _, err := f.store.RecordRedirect(ctx, m1, f.members["B"], 700); err != nil {
		t.Fatal(err)
	}

	op := NewBulkRedirect([]int64{m1.ID, m2.ID}, f.members["B"].ID)
	f.worker.execute(ctx, op)

	if op.Requests() != 1 {
		t.Fatalf("requests = %d, want only the undelivered message", op.Requests())
	}
	if _, err := f.store.RedirectFor(ctx, m2, f.members["B"]); err != nil {
		t.Fatalf("m2 redirect missing: %v", err)
	}
}

func TestBulkRedirectShortCircuitsOnBan(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	if err := f.store.ReplaceMemberBanGroup(ctx, f.members["B"], []store.BanType{store.BanReceive}, nil); err != nil {
		t.Fatal(err)
	}
	op := NewBulkRedirect([]int64{msg.ID}, f.members["B"].ID)
	f.worker.execute(ctx, op)

	if op.Requests() != 0 || len(f.client.Calls()) != 0 {
		t.Fatal("denied member must cause no side effects")
	}
}

func TestGroupReceiveDeniedDropsOps(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	if err := f.store.ReplaceGroupBanGroup(ctx, f.group, []store.BanType{store.BanReceive}, nil); err != nil {
		t.Fatal(err)
	}

	msg := f.say(t, "A", 500, "🦊", nil)
	op := NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "hello"})
	f.worker.execute(ctx, op)

	select {
	case <-op.Done():
	default:
		t.Fatal("dropped op must still be signaled")
	}
	if op.Requests() != 0 || len(f.client.Calls()) != 0 {
		t.Fatal("no deliveries expected")
	}
}

func TestWorkerStatusAccounting(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	msg := f.say(t, "A", 500, "🦊", nil)
	f.worker.execute(ctx, NewBroadcast(msg.ID, f.members["A"].ID, Content{Text: "hello"}))

	for _, d := range []*cache.Dict[Status]{f.relaySt, f.globalSt} {
		st, err := d.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Requests != 2 || st.Errors != 0 {
			t.Fatalf("status = %+v", st)
		}
	}
}

func TestOpCodecRoundTrip(t *testing.T) {
	op := NewBroadcast(7, 3, Content{
		Text:        "hello",
		Entities:    []platform.Entity{{Type: "bold", Offset: 0, Length: 5}},
		Voice:       true,
		VoiceFileID: "f1",
	})
	raw, err := OpCodec{}.Save(op)
	if err != nil {
		t.Fatal(err)
	}
	got, err := OpCodec{}.Load(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindBroadcast || got.MessageID != 7 || got.SenderID != 3 {
		t.Fatalf("got %+v", got)
	}
	if got.Content == nil || got.Content.VoiceFileID != "f1" {
		t.Fatalf("content = %+v", got.Content)
	}
	if len(got.Content.Entities) != 1 || got.Content.Entities[0].Type != "bold" {
		t.Fatalf("entities = %+v", got.Content.Entities)
	}
	select {
	case <-got.Done():
		t.Fatal("rehydrated signal must be fresh and unfired")
	default:
	}
}
