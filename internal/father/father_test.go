package father

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/fleet"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

const fatherToken = "111111111:FATHERTOKENFATHERTOKENFATHERTOKENFA"

type fatherFixture struct {
	store  *store.Store
	client *platform.Recorder
	fleet  *fleet.Supervisor
	father *Father
}

func newFatherFixture(t *testing.T) *fatherFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "velvet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fatherFixture{store: s, client: platform.NewRecorder()}
	f.fleet = fleet.New(fleet.Options{
		Store:     s,
		Backing:   cache.NewMemory(),
		AwardDays: 180,
		NewClient: func(string) (platform.Client, error) {
			return platform.NewRecorder(), nil
		},
	})
	t.Cleanup(func() { _ = f.fleet.StopAll(context.Background()) })

	f.father = New(Options{
		Token:  fatherToken,
		Store:  s,
		Fleet:  f.fleet,
		Client: f.client,
		Log:    slog.Default(),
	})
	if err := f.father.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fatherFixture) msg(uid int64, mid int, text string) *telego.Message {
	return &telego.Message{
		MessageID: mid,
		From:      &telego.User{ID: uid, FirstName: "user"},
		Chat:      telego.Chat{ID: uid, Type: telego.ChatTypePrivate},
		Text:      text,
	}
}

func (f *fatherFixture) press(ctx context.Context, uid int64, data string) {
	f.father.handleCallback(ctx, &telego.CallbackQuery{
		ID:      "q",
		From:    telego.User{ID: uid},
		Data:    data,
		Message: &telego.Message{MessageID: 1, Chat: telego.Chat{ID: uid, Type: telego.ChatTypePrivate}},
	})
}

func (f *fatherFixture) lastTextTo(chat int64) string {
	calls := f.client.CallsTo(chat)
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == "SendText" {
			return calls[i].Text
		}
	}
	return ""
}

func TestMenuShowsAdminRows(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)

	// First user bootstraps to system admin.
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start"))
	calls := f.client.CallsTo(1001)
	if len(calls) == 0 {
		t.Fatal("no menu sent")
	}
	adminRows := len(calls[len(calls)-1].Buttons)

	f.father.handleMessage(ctx, f.msg(1002, 1, "/start"))
	calls = f.client.CallsTo(1002)
	if len(calls) == 0 {
		t.Fatal("no menu sent")
	}
	if got := len(calls[len(calls)-1].Buttons); got >= adminRows {
		t.Fatalf("plain user sees %d rows, admin sees %d", got, adminRows)
	}
}

func TestNewGroupFlow(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start"))

	f.press(ctx, 1001, "f_new")
	if got := f.lastTextTo(1001); !strings.Contains(got, "token") {
		t.Fatalf("prompt = %q", got)
	}

	f.father.handleMessage(ctx, f.msg(1001, 2, "not a token"))
	if got := f.lastTextTo(1001); !strings.Contains(got, "does not look like") {
		t.Fatalf("reply = %q", got)
	}

	token := "123456789:TESTTOKENTESTTOKENTESTTOKENTESTTOKE"
	f.press(ctx, 1001, "f_new")
	f.father.handleMessage(ctx, f.msg(1001, 3, token))
	if got := f.lastTextTo(1001); !strings.Contains(got, "is live") {
		t.Fatalf("reply = %q", got)
	}
	if _, err := f.store.GroupByToken(ctx, token); err != nil {
		t.Fatalf("group not created: %v", err)
	}
	if _, ok := f.fleet.GetRelay(token); !ok {
		t.Fatal("relay not running")
	}

	// The same token cannot host twice.
	f.press(ctx, 1001, "f_new")
	f.father.handleMessage(ctx, f.msg(1001, 4, token))
	if got := f.lastTextTo(1001); !strings.Contains(got, "already hosts") {
		t.Fatalf("reply = %q", got)
	}
}

func TestDeletedGroupGivesRecreateGuidance(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start"))

	token := "123456789:TESTTOKENTESTTOKENTESTTOKENTESTTOKE"
	f.press(ctx, 1001, "f_new")
	f.father.handleMessage(ctx, f.msg(1001, 2, token))
	g, err := f.store.GroupByToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}

	f.press(ctx, 1001, "gd_"+itoa(g.ID))
	g, _ = f.store.GroupByToken(ctx, token)
	if !g.Disabled {
		t.Fatal("group must be disabled after delete")
	}
	if _, ok := f.fleet.GetRelay(token); ok {
		t.Fatal("relay must be stopped after delete")
	}

	f.press(ctx, 1001, "f_new")
	f.father.handleMessage(ctx, f.msg(1001, 3, token))
	if got := f.lastTextTo(1001); !strings.Contains(got, "revoke the token") {
		t.Fatalf("reply = %q", got)
	}
}

func TestOnlyCreatorDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start"))
	f.father.handleMessage(ctx, f.msg(1002, 1, "/start"))

	token := "123456789:TESTTOKENTESTTOKENTESTTOKENTESTTOKE"
	f.press(ctx, 1001, "f_new")
	f.father.handleMessage(ctx, f.msg(1001, 2, token))
	g, _ := f.store.GroupByToken(ctx, token)

	f.press(ctx, 1002, "gd_"+itoa(g.ID))
	g, _ = f.store.GroupByToken(ctx, token)
	if g.Disabled {
		t.Fatal("non-creator must not delete the group")
	}
	if got := f.lastTextTo(1002); !strings.Contains(got, "creator") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCodeGenerationAndRedemption(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start")) // admin
	f.father.handleMessage(ctx, f.msg(1002, 1, "/start"))

	f.press(ctx, 1001, "f_gencode")
	f.father.handleMessage(ctx, f.msg(1001, 2, "awarded 30 2"))
	reply := f.lastTextTo(1001)
	lines := strings.Split(reply, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 codes, got %q", reply)
	}
	code := lines[1]
	if len(code) != 16 {
		t.Fatalf("code length = %d", len(code))
	}

	f.press(ctx, 1002, "f_code")
	f.father.handleMessage(ctx, f.msg(1002, 2, code))
	if got := f.lastTextTo(1002); !strings.Contains(got, "awarded") {
		t.Fatalf("reply = %q", got)
	}
	u, _ := f.store.UserByUID(ctx, 1002)
	has, err := f.store.HasRole(ctx, u, store.UserAwarded)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("redeemed role not granted")
	}

	// Second redemption of the same code fails.
	f.press(ctx, 1002, "f_code")
	f.father.handleMessage(ctx, f.msg(1002, 3, code))
	if got := f.lastTextTo(1002); !strings.Contains(got, "invalid or already redeemed") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStartDeepLinkRedeemsCode(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start")) // admin

	f.press(ctx, 1001, "f_gencode")
	f.father.handleMessage(ctx, f.msg(1001, 2, "awarded 30 1"))
	code := strings.Split(f.lastTextTo(1001), "\n")[1]

	f.father.handleMessage(ctx, f.msg(1002, 1, "/start _c_"+code))
	if got := f.lastTextTo(1002); !strings.Contains(got, "awarded") {
		t.Fatalf("reply = %q", got)
	}
	u, err := f.store.UserByUID(ctx, 1002)
	if err != nil {
		t.Fatal(err)
	}
	has, err := f.store.HasRole(ctx, u, store.UserAwarded)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("deep-link code not redeemed")
	}
}

func TestGenCodeRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start"))
	f.father.handleMessage(ctx, f.msg(1002, 1, "/start"))

	f.press(ctx, 1002, "f_gencode")
	f.father.handleMessage(ctx, f.msg(1002, 2, "awarded 30 1"))
	if got := f.lastTextTo(1002); strings.Contains(got, "codes:") {
		t.Fatal("plain user must not mint codes")
	}
}

func TestGroupListing(t *testing.T) {
	ctx := context.Background()
	f := newFatherFixture(t)
	f.father.handleMessage(ctx, f.msg(1001, 1, "/start"))

	f.press(ctx, 1001, "f_groups")
	if got := f.lastTextTo(1001); !strings.Contains(got, "not in any group") {
		t.Fatalf("reply = %q", got)
	}

	token := "123456789:TESTTOKENTESTTOKENTESTTOKENTESTTOKE"
	f.press(ctx, 1001, "f_new")
	f.father.handleMessage(ctx, f.msg(1001, 2, token))

	f.press(ctx, 1001, "f_groups")
	calls := f.client.CallsTo(1001)
	last := calls[len(calls)-1]
	if len(last.Buttons) != 1 {
		t.Fatalf("group buttons = %d, want 1", len(last.Buttons))
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
