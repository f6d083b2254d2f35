package relay

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

const testToken = "987654321:TESTTOKENTESTTOKENTESTTOKENTESTTOKE"

type relayFixture struct {
	store  *store.Store
	client *platform.Recorder
	relay  *Relay

	creator *store.User
}

// newRelayFixture boots a full relay without an adapter: updates are fed by
// hand, deliveries land in the recorder.
func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "velvet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	creator, err := s.TouchUser(ctx, 2001, "alice", "Alice", "")
	if err != nil {
		t.Fatal(err)
	}
	f := &relayFixture{store: s, client: platform.NewRecorder(), creator: creator}
	f.relay = New(Options{
		Token:     testToken,
		Creator:   creator,
		Store:     s,
		Backing:   cache.NewMemory(),
		Client:    f.client,
		AwardDays: 180,
		Log:       slog.Default(),
	})
	if err := f.relay.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.relay.Stop(sctx)
	})
	return f
}

// join admits a user directly through the store.
func (f *relayFixture) join(t *testing.T, uid int64, name string, role store.MemberRole) (*store.User, *store.Member) {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.TouchUser(ctx, uid, "", name, "")
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.store.CreateMember(ctx, f.relay.Group(), u, role)
	if err != nil {
		t.Fatal(err)
	}
	return u, m
}

// privMsg builds a private-chat message update from the uid.
func privMsg(uid int64, mid int, text string) *telego.Message {
	return &telego.Message{
		MessageID: mid,
		From:      &telego.User{ID: uid, FirstName: "user"},
		Chat:      telego.Chat{ID: uid, Type: telego.ChatTypePrivate},
		Text:      text,
	}
}

// lastTextTo returns the most recent SendText body delivered to the chat.
func (f *relayFixture) lastTextTo(chat int64) string {
	calls := f.client.CallsTo(chat)
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == "SendText" {
			return calls[i].Text
		}
	}
	return ""
}

func TestStartJoinsAsGuest(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	f.relay.handleMessage(ctx, privMsg(3001, 1, "/start"))

	u, err := f.store.UserByUID(ctx, 3001)
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.store.MemberOf(ctx, f.relay.Group(), u)
	if err != nil {
		t.Fatalf("no membership after /start: %v", err)
	}
	if m.Role != store.MemberGuest {
		t.Fatalf("role = %v, want GUEST", m.Role)
	}
	if len(f.client.CallsTo(3001)) == 0 {
		t.Fatal("no welcome delivered")
	}
}

func TestStartBootGrantsGrouper(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	has, err := f.store.HasRole(ctx, f.creator, store.UserGrouper)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("creator must hold GROUPER after first boot")
	}
}

func TestUnknownCommand(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/bogus"))
	if got := f.lastTextTo(2001); !strings.Contains(got, "unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestChangeMask(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/change"))

	m, err := f.store.MemberOf(ctx, f.relay.Group(), f.creator)
	if err != nil {
		t.Fatal(err)
	}
	if m.LastMask == "" {
		t.Fatal("last mask must be recorded")
	}
	if got := f.lastTextTo(2001); !strings.Contains(got, m.LastMask) {
		t.Fatalf("reply %q does not show mask %q", got, m.LastMask)
	}
}

func TestBroadcastThroughHandler(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.join(t, 3001, "Bob", store.MemberNormal)

	f.relay.handleMessage(ctx, privMsg(3001, 10, "hello there"))

	got := f.lastTextTo(2001)
	if !strings.HasSuffix(got, " | hello there") {
		t.Fatalf("creator received %q, want masked body", got)
	}
}

func TestInviteLinkAndJoin(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/invite"))
	link := f.lastTextTo(2001)
	i := strings.Index(link, "start=_c_")
	if i < 0 {
		t.Fatalf("no invite payload in %q", link)
	}
	code := strings.TrimSpace(link[i+len("start=_c_"):])

	f.relay.handleMessage(ctx, privMsg(3001, 1, "/start _c_"+code))

	u, err := f.store.UserByUID(ctx, 3001)
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.store.MemberOf(ctx, f.relay.Group(), u)
	if err != nil {
		t.Fatalf("invitee not admitted: %v", err)
	}
	creatorMember, _ := f.store.MemberOf(ctx, f.relay.Group(), f.creator)
	if m.InvitorID == nil || *m.InvitorID != creatorMember.ID {
		t.Fatal("invitor not recorded")
	}
	has, err := f.store.HasRole(ctx, u, store.UserInvited)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("invitee must hold INVITED")
	}
}

func TestPrivateGroupRejectsStranger(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.relay.Group().Private = true

	f.relay.handleMessage(ctx, privMsg(3001, 1, "/start"))

	u, _ := f.store.UserByUID(ctx, 3001)
	if _, err := f.store.MemberOf(ctx, f.relay.Group(), u); err != store.ErrNotFound {
		t.Fatalf("stranger admitted to private group: %v", err)
	}
	if got := f.lastTextTo(3001); !strings.Contains(got, "private") {
		t.Fatalf("reply = %q", got)
	}
}

func TestPasswordJoin(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.relay.Group().Password = "sesame"

	f.relay.handleMessage(ctx, privMsg(3001, 1, "/start"))
	if got := f.lastTextTo(3001); !strings.Contains(got, "password") {
		t.Fatalf("no password prompt, got %q", got)
	}

	f.relay.handleMessage(ctx, privMsg(3001, 2, "wrong"))
	u, _ := f.store.UserByUID(ctx, 3001)
	if _, err := f.store.MemberOf(ctx, f.relay.Group(), u); err != store.ErrNotFound {
		t.Fatal("wrong password must not admit")
	}

	f.relay.handleMessage(ctx, privMsg(3001, 3, "/start"))
	f.relay.handleMessage(ctx, privMsg(3001, 4, "sesame"))
	m, err := f.store.MemberOf(ctx, f.relay.Group(), u)
	if err != nil {
		t.Fatalf("correct password must admit: %v", err)
	}
	if m.Role != store.MemberGuest {
		t.Fatalf("role = %v, want GUEST", m.Role)
	}
}

func TestBanUnbanByUID(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	u, _ := f.join(t, 3001, "Bob", store.MemberNormal)

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/ban 3001"))
	m, _ := f.store.MemberOf(ctx, f.relay.Group(), u)
	if m.Role != store.MemberBanned {
		t.Fatalf("role = %v, want BANNED", m.Role)
	}

	f.relay.handleMessage(ctx, privMsg(2001, 2, "/unban 3001"))
	m, _ = f.store.MemberOf(ctx, f.relay.Group(), u)
	if m.Role != store.MemberNormal {
		t.Fatalf("role = %v, want NORMAL", m.Role)
	}
}

func TestBanGuards(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	_, admin := f.join(t, 3001, "Bob", store.MemberAdminBan)
	_ = admin

	// No self-bans.
	f.relay.handleMessage(ctx, privMsg(3001, 1, "/ban 3001"))
	if got := f.lastTextTo(3001); !strings.Contains(got, "yourself") {
		t.Fatalf("reply = %q", got)
	}

	// No banning upward.
	f.relay.handleMessage(ctx, privMsg(3001, 2, "/ban 2001"))
	m, _ := f.store.MemberOf(ctx, f.relay.Group(), f.creator)
	if m.Role != store.MemberCreator {
		t.Fatal("creator must not be bannable")
	}

	// Plain members cannot ban at all.
	u, _ := f.join(t, 3002, "Carol", store.MemberNormal)
	f.relay.handleMessage(ctx, privMsg(3002, 1, "/ban 3001"))
	target, _ := f.store.UserByUID(ctx, 3001)
	tm, _ := f.store.MemberOf(ctx, f.relay.Group(), target)
	if tm.Role != store.MemberAdminBan {
		t.Fatal("non-admin ban must be refused")
	}
	_ = u
}

func TestLeaveAndCreatorCannot(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	u, _ := f.join(t, 3001, "Bob", store.MemberNormal)

	f.relay.handleMessage(ctx, privMsg(3001, 1, "/leave"))
	f.relay.handleCallback(ctx, &telego.CallbackQuery{
		ID:      "q1",
		From:    telego.User{ID: 3001},
		Data:    "leave_confirm",
		Message: &telego.Message{MessageID: 99, Chat: telego.Chat{ID: 3001, Type: telego.ChatTypePrivate}},
	})
	m, _ := f.store.MemberOf(ctx, f.relay.Group(), u)
	if m.Role != store.MemberLeft {
		t.Fatalf("role = %v, want LEFT", m.Role)
	}

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/leave"))
	if got := f.lastTextTo(2001); !strings.Contains(got, "creator") {
		t.Fatalf("reply = %q", got)
	}
}

func TestPMThroughReply(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	bu, _ := f.join(t, 3001, "Bob", store.MemberNormal)

	// Bob broadcasts; the creator gets a redirect.
	f.relay.handleMessage(ctx, privMsg(3001, 10, "hello"))
	bm, _ := f.store.MemberOf(ctx, f.relay.Group(), bu)
	msg, err := f.store.MessageBySender(ctx, bm, 10)
	if err != nil {
		t.Fatal(err)
	}
	creatorMember, _ := f.store.MemberOf(ctx, f.relay.Group(), f.creator)
	red, err := f.store.RedirectFor(ctx, msg, creatorMember)
	if err != nil {
		t.Fatal(err)
	}

	// The creator replies privately to the redirect.
	pm := privMsg(2001, 20, "/pm just for you")
	pm.ReplyToMessage = &telego.Message{MessageID: int(red.MID), Chat: telego.Chat{ID: 2001}}
	f.relay.handleMessage(ctx, pm)

	got := f.lastTextTo(3001)
	if !strings.Contains(got, "(pm) | just for you") {
		t.Fatalf("pm body = %q", got)
	}

	// Bob replies to the pm copy; it routes straight back.
	var pmMID int64
	for _, c := range f.client.CallsTo(3001) {
		if strings.Contains(c.Text, "(pm) |") {
			pmMID = c.MID
		}
	}
	back := privMsg(3001, 30, "and to you")
	back.ReplyToMessage = &telego.Message{MessageID: int(pmMID), Chat: telego.Chat{ID: 3001}}
	f.relay.handleMessage(ctx, back)

	if got := f.lastTextTo(2001); !strings.Contains(got, "(pm) | and to you") {
		t.Fatalf("reply pm body = %q", got)
	}
}

func TestManageRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.join(t, 3001, "Bob", store.MemberNormal)

	f.relay.handleMessage(ctx, privMsg(3001, 1, "/manage"))
	got := f.lastTextTo(3001)
	if strings.Contains(got, "⚙️") {
		t.Fatal("settings view must be admin only")
	}

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/manage"))
	if got := f.lastTextTo(2001); !strings.Contains(got, "members") {
		t.Fatalf("settings view = %q", got)
	}
}

func TestWelcomeEditConversation(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/manage"))
	f.relay.handleCallback(ctx, &telego.CallbackQuery{
		ID:      "q1",
		From:    telego.User{ID: 2001},
		Data:    "m_welcome",
		Message: &telego.Message{MessageID: 50, Chat: telego.Chat{ID: 2001, Type: telego.ChatTypePrivate}},
	})
	f.relay.handleMessage(ctx, privMsg(2001, 2, "hi {name}, welcome!"))

	g, err := f.store.GroupByToken(ctx, testToken)
	if err != nil {
		t.Fatal(err)
	}
	if g.WelcomeMessage != "hi {name}, welcome!" {
		t.Fatalf("welcome = %q", g.WelcomeMessage)
	}

	// The template expands on the next join.
	f.relay.handleMessage(ctx, privMsg(3001, 1, "/start"))
	found := false
	for _, c := range f.client.CallsTo(3001) {
		if strings.Contains(c.Text, "hi user, welcome!") {
			found = true
		}
	}
	if !found {
		t.Fatal("welcome template did not expand {name}")
	}
}

func TestInstructionGate(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.relay.Group().ChatInstruction = "be kind"
	f.join(t, 3001, "Bob", store.MemberGuest)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.relay.handleMessage(ctx, privMsg(3001, 10, "first words"))
	}()

	// Wait for the instruction prompt, then press the button.
	deadline := time.After(5 * time.Second)
	for {
		if strings.Contains(f.lastTextTo(3001), "be kind") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("instruction prompt never shown")
		case <-time.After(10 * time.Millisecond):
		}
	}
	f.relay.handleCallback(ctx, &telego.CallbackQuery{
		ID:      "q1",
		From:    telego.User{ID: 3001},
		Data:    "ci_confirm",
		Message: &telego.Message{MessageID: 77, Chat: telego.Chat{ID: 3001, Type: telego.ChatTypePrivate}},
	})
	<-done

	u, _ := f.store.UserByUID(ctx, 3001)
	m, _ := f.store.MemberOf(ctx, f.relay.Group(), u)
	if m.Role != store.MemberNormal {
		t.Fatalf("role = %v, want NORMAL after confirming", m.Role)
	}
	if got := f.lastTextTo(2001); !strings.HasSuffix(got, " | first words") {
		t.Fatalf("creator received %q", got)
	}
}

func TestSetMaskConversation(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	f.relay.handleMessage(ctx, privMsg(2001, 1, "/setmask"))
	f.relay.handleMessage(ctx, privMsg(2001, 2, "🦄"))

	m, err := f.store.MemberOf(ctx, f.relay.Group(), f.creator)
	if err != nil {
		t.Fatal(err)
	}
	if m.PinnedMask != "🦄" {
		t.Fatalf("pinned mask = %q", m.PinnedMask)
	}
}

func TestDeleteOwnMessage(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	bu, _ := f.join(t, 3001, "Bob", store.MemberNormal)

	f.relay.handleMessage(ctx, privMsg(3001, 10, "oops"))
	bm, _ := f.store.MemberOf(ctx, f.relay.Group(), bu)
	msg, err := f.store.MessageBySender(ctx, bm, 10)
	if err != nil {
		t.Fatal(err)
	}
	creatorMember, _ := f.store.MemberOf(ctx, f.relay.Group(), f.creator)
	red, err := f.store.RedirectFor(ctx, msg, creatorMember)
	if err != nil {
		t.Fatal(err)
	}

	del := privMsg(3001, 11, "/delete")
	del.ReplyToMessage = &telego.Message{MessageID: 10, Chat: telego.Chat{ID: 3001}}
	f.relay.handleMessage(ctx, del)

	deleted := func(chat, mid int64) bool {
		for _, c := range f.client.CallsTo(chat) {
			if c.Method != "DeleteMessages" {
				continue
			}
			for _, m := range c.MIDs {
				if m == mid {
					return true
				}
			}
		}
		return false
	}
	if !deleted(3001, 10) {
		t.Fatal("author copy not deleted")
	}
	if !deleted(2001, red.MID) {
		t.Fatal("redirected copy not deleted")
	}
}

func TestEditedMessagePropagates(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.join(t, 3001, "Bob", store.MemberNormal)

	f.relay.handleMessage(ctx, privMsg(3001, 10, "helo"))
	before := f.lastTextTo(2001)

	edited := privMsg(3001, 10, "hello")
	f.relay.handleEdited(ctx, edited)

	deadline := time.After(5 * time.Second)
	for {
		edits := 0
		for _, c := range f.client.CallsTo(2001) {
			if c.Method == "EditText" && strings.HasSuffix(c.Text, " | hello") {
				edits++
			}
		}
		if edits == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("edit never propagated, last body %q", before)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
