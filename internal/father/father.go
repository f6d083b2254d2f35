// Package father runs the operator relay: it accepts user-supplied bot
// credentials, spawns a group relay per credential through the fleet
// supervisor, and handles code redemption and group housekeeping.
package father

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/fleet"
	"github.com/velvetmask/velvet/internal/perm"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

// tokenRe matches a platform bot credential.
var tokenRe = regexp.MustCompile(`^[0-9]{8,10}:[a-zA-Z0-9_-]{35}$`)

// ConvStatus names what the next message from a user means.
type ConvStatus string

const (
	ConvUseCode  ConvStatus = "use_code" // next text is a redeem code
	ConvNewToken ConvStatus = "ng_token" // next text carries a new bot token
	ConvGenCodes ConvStatus = "gc_spec"  // admin: "role [days] [num]" spec
)

// Options wires the operator relay.
type Options struct {
	Token   string
	Store   *store.Store
	Fleet   *fleet.Supervisor
	Adapter *platform.Telego
	Client  platform.Client
	Log     *slog.Logger
}

// Father is the operator-facing bot.
type Father struct {
	token string
	store *store.Store
	fleet *fleet.Supervisor
	eval  *perm.Evaluator

	adapter *platform.Telego
	client  platform.Client
	log     *slog.Logger

	convMu sync.Mutex
	convs  map[int64]ConvStatus // user id -> pending status

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(opts Options) *Father {
	client := opts.Client
	if client == nil && opts.Adapter != nil {
		client = opts.Adapter
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Father{
		token:   opts.Token,
		store:   opts.Store,
		fleet:   opts.Fleet,
		eval:    perm.New(opts.Store),
		adapter: opts.Adapter,
		client:  client,
		log:     log.With("service", "father"),
		convs:   make(map[int64]ConvStatus),
	}
}

// Start begins long polling when an adapter is present and publishes the
// command menu.
func (f *Father) Start(ctx context.Context) error {
	if f.adapter != nil {
		if err := f.startPolling(ctx); err != nil {
			return err
		}
	}
	if err := f.client.SetCommands(ctx, []platform.Command{
		{Name: "start", Description: "main menu"},
	}); err != nil {
		f.log.Warn("publish commands", "error", err)
	}
	f.log.Info("father started")
	return nil
}

func (f *Father) startPolling(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	f.pollCancel = cancel
	f.pollDone = make(chan struct{})

	updates, err := f.adapter.Bot().UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	go func() {
		defer close(f.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				f.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels the poll loop.
func (f *Father) Stop(context.Context) error {
	if f.pollCancel != nil {
		f.pollCancel()
		select {
		case <-f.pollDone:
		case <-time.After(10 * time.Second):
			f.log.Warn("poll loop did not exit in time")
		}
	}
	f.log.Info("father stopped")
	return nil
}

func (f *Father) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		f.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		f.handleCallback(ctx, update.CallbackQuery)
	}
}

func (f *Father) setConversation(userID int64, status ConvStatus) {
	f.convMu.Lock()
	defer f.convMu.Unlock()
	if status == "" {
		delete(f.convs, userID)
		return
	}
	f.convs[userID] = status
}

func (f *Father) takeConversation(userID int64) (ConvStatus, bool) {
	f.convMu.Lock()
	defer f.convMu.Unlock()
	st, ok := f.convs[userID]
	if ok {
		delete(f.convs, userID)
	}
	return st, ok
}

func (f *Father) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil || m.Chat.Type != telego.ChatTypePrivate {
		return
	}
	u, err := f.store.TouchUser(ctx, m.From.ID, m.From.Username, m.From.FirstName, m.From.LastName)
	if err != nil {
		f.log.Error("touch user", "uid", m.From.ID, "error", err)
		return
	}
	if strings.HasPrefix(m.Text, "/start") {
		_, payload, _ := strings.Cut(m.Text, " ")
		f.fail(ctx, u.UID, f.onStart(ctx, u, strings.TrimSpace(payload)))
		return
	}
	if st, ok := f.takeConversation(u.ID); ok {
		f.fail(ctx, u.UID, f.handleConversation(ctx, u, st, m))
		return
	}
	f.sendMenu(ctx, u)
}

// fail mirrors the relay convention: operational errors verbatim.
func (f *Father) fail(ctx context.Context, chat int64, err error) {
	if err == nil {
		return
	}
	if store.IsOperational(err) {
		_, _ = f.client.SendText(ctx, chat, "⚠️ "+err.Error(), nil)
		return
	}
	f.log.Error("handler error", "error", err)
	_, _ = f.client.SendText(ctx, chat, "⚠️ an error occurred.", nil)
}

func (f *Father) onStart(ctx context.Context, u *store.User, payload string) error {
	switch {
	case strings.HasPrefix(payload, "_c_"):
		return f.redeemCode(ctx, u, strings.TrimPrefix(payload, "_c_"))
	case strings.HasPrefix(payload, "_g_"):
		return f.groupDetail(ctx, u, strings.TrimPrefix(payload, "_g_"))
	}
	f.sendMenu(ctx, u)
	return nil
}

func (f *Father) sendMenu(ctx context.Context, u *store.User) {
	rows := [][]platform.Button{
		{{Text: "➕ new group", Data: "f_new"}},
		{{Text: "📚 my groups", Data: "f_groups"}, {Text: "🎫 redeem a code", Data: "f_code"}},
	}
	if admin, _ := f.store.HasRole(ctx, u, store.UserAdmin, store.UserCreator); admin {
		rows = append(rows, []platform.Button{
			{Text: "🏷 generate codes", Data: "f_gencode"}, {Text: "📈 fleet status", Data: "f_status"},
		})
	}
	text := "🎭 host your own anonymous group: create a bot with @BotFather and send me its token."
	_, _ = f.client.SendText(ctx, u.UID, text, &platform.SendOptions{Buttons: rows})
}

func (f *Father) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	if q.Message == nil {
		return
	}
	u, err := f.store.UserByUID(ctx, q.From.ID)
	if err != nil {
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		return
	}
	switch {
	case q.Data == "f_new":
		f.setConversation(u.ID, ConvNewToken)
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		_, _ = f.client.SendText(ctx, u.UID, "🔑 send the bot token from @BotFather.", nil)
	case q.Data == "f_code":
		f.setConversation(u.ID, ConvUseCode)
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		_, _ = f.client.SendText(ctx, u.UID, "🎫 send the code you want to redeem.", nil)
	case q.Data == "f_groups":
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		f.fail(ctx, u.UID, f.listGroups(ctx, u))
	case q.Data == "f_gencode":
		if admin, _ := f.store.HasRole(ctx, u, store.UserAdmin, store.UserCreator); !admin {
			_ = f.client.AnswerCallback(ctx, q.ID, "admins only", true)
			return
		}
		f.setConversation(u.ID, ConvGenCodes)
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		_, _ = f.client.SendText(ctx, u.UID, "🏷 send: role [days] [count], e.g. awarded 30 5", nil)
	case q.Data == "f_status":
		if admin, _ := f.store.HasRole(ctx, u, store.UserAdmin, store.UserCreator); !admin {
			_ = f.client.AnswerCallback(ctx, q.ID, "admins only", true)
			return
		}
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		f.fail(ctx, u.UID, f.fleetStatus(ctx, u))
	case strings.HasPrefix(q.Data, "g_"):
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		f.fail(ctx, u.UID, f.groupDetail(ctx, u, strings.TrimPrefix(q.Data, "g_")))
	case strings.HasPrefix(q.Data, "gd_"):
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
		f.fail(ctx, u.UID, f.deleteGroup(ctx, u, strings.TrimPrefix(q.Data, "gd_")))
	default:
		_ = f.client.AnswerCallback(ctx, q.ID, "", false)
	}
}

func (f *Father) handleConversation(ctx context.Context, u *store.User, st ConvStatus, m *telego.Message) error {
	text := strings.TrimSpace(m.Text)
	switch st {
	case ConvNewToken:
		return f.newGroup(ctx, u, text)
	case ConvUseCode:
		return f.redeemCode(ctx, u, text)
	case ConvGenCodes:
		return f.generateCodes(ctx, u, text)
	default:
		f.log.Warn("unknown conversation status", "status", st)
		return nil
	}
}
