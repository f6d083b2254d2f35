package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/mask"
	"github.com/velvetmask/velvet/internal/perm"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
	"github.com/velvetmask/velvet/internal/voicemask"
)

// Options wires one relay. Adapter is nil in tests; Client then carries the
// whole outbound surface.
type Options struct {
	Token        string
	Creator      *store.User // required only when no Group row exists yet
	Store        *store.Store
	Backing      cache.Backing
	Adapter      *platform.Telego
	Client       platform.Client
	Masker       voicemask.Masker
	AwardDays    int
	GlobalStatus *cache.Dict[Status]
	Log          *slog.Logger
}

// Relay is one hosted anonymous-chat bot: a controller task, a durable
// operation queue, and a mask allocator, all bound to a single credential.
type Relay struct {
	token     string
	creator   *store.User
	store     *store.Store
	eval      *perm.Evaluator
	backing   cache.Backing
	adapter   *platform.Telego
	client    platform.Client
	masker    voicemask.Masker
	awardDays int
	gblSt     *cache.Dict[Status]
	log       *slog.Logger

	group  *store.Group
	queue  *cache.Queue[*Op]
	worker *Worker
	masks  *mask.Allocator

	convMu sync.Mutex
	convs  map[convKey]*conversation

	lockMu    sync.Mutex
	userLocks map[int64]*userLock

	workerCancel context.CancelFunc
	workerDone   chan struct{}
	pollCancel   context.CancelFunc
	pollDone     chan struct{}
	failed       chan error
}

func New(opts Options) *Relay {
	client := opts.Client
	if client == nil && opts.Adapter != nil {
		client = opts.Adapter
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		token:     opts.Token,
		creator:   opts.Creator,
		store:     opts.Store,
		eval:      perm.New(opts.Store),
		backing:   opts.Backing,
		adapter:   opts.Adapter,
		client:    client,
		masker:    opts.Masker,
		awardDays: opts.AwardDays,
		gblSt:     opts.GlobalStatus,
		log:       log.With("relay", tokenUID(opts.Token)),
		convs:     make(map[convKey]*conversation),
		userLocks: make(map[int64]*userLock),
		failed:    make(chan error, 1),
	}
}

// tokenUID extracts the bot's numeric id from the credential token.
func tokenUID(token string) int64 {
	head, _, ok := strings.Cut(token, ":")
	if !ok {
		return 0
	}
	uid, _ := strconv.ParseInt(head, 10, 64)
	return uid
}

// Token returns the relay credential.
func (r *Relay) Token() string { return r.token }

// Group returns the backing row; valid after Start.
func (r *Relay) Group() *store.Group { return r.group }

// Failed reports a terminal relay error (credential revoked, poll loop
// died). The supervisor drops the relay when it fires.
func (r *Relay) Failed() <-chan error { return r.failed }

// Start brings the relay up: group row, durable queue, fan-out worker, and
// (when an adapter is present) the long-polling loop. Start returning nil is
// the booted signal.
func (r *Relay) Start(ctx context.Context) error {
	g, err := r.ensureGroup(ctx)
	if err != nil {
		return err
	}
	if g.Disabled {
		return fmt.Errorf("relay %d is disabled", g.UID)
	}
	r.group = g

	r.queue, err = cache.NewQueue[*Op](ctx, r.backing, cache.GroupKey(r.token, "operations"), OpCodec{})
	if err != nil {
		return fmt.Errorf("restore operation queue: %w", err)
	}
	relaySt := cache.NewDict(r.backing, cache.GroupKey(r.token, "worker_status"), func() Status { return Status{} })
	gblSt := r.gblSt
	if gblSt == nil {
		gblSt = cache.NewDict(r.backing, cache.SystemKey("worker_status"), func() Status { return Status{} })
	}
	r.masks = mask.New(r.backing, r.token)
	r.worker = NewWorker(r.store, r.eval, r.client, r.masker, r.queue, relaySt, gblSt, g.ID, r.log)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	r.workerCancel = workerCancel
	r.workerDone = make(chan struct{})
	go func() {
		defer close(r.workerDone)
		r.worker.Run(workerCtx)
	}()

	if r.adapter != nil {
		if err := r.startPolling(ctx); err != nil {
			workerCancel()
			return err
		}
	}
	if err := r.client.SetCommands(ctx, menuCommands()); err != nil {
		r.log.Warn("publish bot commands", "error", err)
	}
	r.refreshProfile(ctx)
	r.log.Info("relay booted", "group", g.ID, "handle", g.Handle)
	return nil
}

// startPolling mirrors the adapter's long-poll loop onto handleUpdate. A
// revoked credential disables the group so the supervisor stops retrying it.
func (r *Relay) startPolling(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	r.pollCancel = cancel
	r.pollDone = make(chan struct{})

	updates, err := r.adapter.Bot().UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "edited_message", "callback_query"},
	})
	if err != nil {
		cancel()
		if strings.Contains(err.Error(), "Unauthorized") && r.group != nil {
			if derr := r.store.SetGroupDisabled(ctx, r.group, true); derr != nil {
				r.log.Error("disable revoked relay", "error", derr)
			}
		}
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(r.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					select {
					case r.failed <- fmt.Errorf("update stream closed"):
					default:
					}
					return
				}
				r.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels the poll loop and the worker, then saves the freshest
// handle/title best effort.
func (r *Relay) Stop(ctx context.Context) error {
	if r.pollCancel != nil {
		r.pollCancel()
		select {
		case <-r.pollDone:
		case <-time.After(10 * time.Second):
			r.log.Warn("poll loop did not exit in time")
		}
	}
	if r.workerCancel != nil {
		r.workerCancel()
		select {
		case <-r.workerDone:
		case <-time.After(10 * time.Second):
			r.log.Warn("worker did not drain in time")
		}
	}
	if r.group != nil {
		if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
			r.log.Warn("save group profile on stop", "error", err)
		}
	}
	r.log.Info("relay stopped")
	return nil
}

// ensureGroup loads the Group row, creating it atomically with a CREATOR
// member and default ban group on first boot. Creating a relay earns the
// creator GROUPER, and fulfills a pending invite with AWARDED for both
// sides.
func (r *Relay) ensureGroup(ctx context.Context) (*store.Group, error) {
	g, err := r.store.GroupByToken(ctx, r.token)
	if err == nil {
		return g, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	if r.creator == nil {
		return nil, fmt.Errorf("no group for token and no creator to bind")
	}

	err = r.store.Atomic(ctx, func(tx *store.Store) error {
		g, err = tx.CreateGroup(ctx, store.CreateGroupParams{
			UID:     tokenUID(r.token),
			Token:   r.token,
			Creator: r.creator,
		})
		if err != nil {
			return err
		}
		if err := tx.AddRole(ctx, r.creator, []store.UserRole{store.UserGrouper}, nil); err != nil {
			return err
		}
		invited, err := tx.HasRole(ctx, r.creator, store.UserInvited)
		if err != nil || !invited {
			return err
		}
		days := r.awardDays
		if err := tx.AddValidation(ctx, r.creator, store.UserAwarded, &days, nil); err != nil {
			return err
		}
		inviter, err := tx.InviterOf(ctx, r.creator)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		return tx.AddValidation(ctx, inviter, store.UserAwarded, &days, nil)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// refreshProfile picks up the bot's current handle for /manage views and
// invite links.
func (r *Relay) refreshProfile(ctx context.Context) {
	handle := r.client.Username()
	if handle == "" || handle == r.group.Handle {
		return
	}
	r.group.Handle = handle
	if err := r.store.SaveGroupProfile(ctx, r.group); err != nil {
		r.log.Warn("save group handle", "error", err)
	}
}

// handleUpdate is the single dispatch point for the poll loop.
func (r *Relay) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		r.handleMessage(ctx, update.Message)
	case update.EditedMessage != nil:
		r.handleEdited(ctx, update.EditedMessage)
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, update.CallbackQuery)
	}
}

// concurrency modes for gated handlers.
type handlerMode int

const (
	modeInf handlerMode = iota
	modeQueue
	modeSingleton
)

type userLock struct {
	mu sync.Mutex
}

// withUser applies the per-user concurrency discipline around fn. The lock
// table is keyed by User id, one lock per user.
func (r *Relay) withUser(ctx context.Context, userID int64, mode handlerMode, fn func(context.Context) error) error {
	if mode == modeInf {
		return fn(ctx)
	}
	r.lockMu.Lock()
	l, ok := r.userLocks[userID]
	if !ok {
		l = &userLock{}
		r.userLocks[userID] = l
	}
	r.lockMu.Unlock()

	if mode == modeSingleton {
		if !l.mu.TryLock() {
			return nil // drop the attempt
		}
	} else {
		l.mu.Lock()
	}
	defer l.mu.Unlock()
	return fn(ctx)
}

func menuCommands() []platform.Command {
	return []platform.Command{
		{Name: "start", Description: "join and show the group info"},
		{Name: "change", Description: "draw a new mask"},
		{Name: "setmask", Description: "pin a custom emoji mask"},
		{Name: "delete", Description: "delete the replied message for everyone"},
		{Name: "pin", Description: "pin the replied message"},
		{Name: "unpin", Description: "unpin the replied message"},
		{Name: "ban", Description: "ban a member"},
		{Name: "unban", Description: "lift a member ban"},
		{Name: "reveal", Description: "show who is behind a mask"},
		{Name: "manage", Description: "group settings"},
		{Name: "pm", Description: "message the replied author privately"},
		{Name: "invite", Description: "create an invite link"},
		{Name: "leave", Description: "leave the group"},
	}
}
