// Package fleet owns the lifecycle of every hosted relay: boot on startup,
// boot on demand, eviction on credential failure, and aggregate accounting.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/relay"
	"github.com/velvetmask/velvet/internal/store"
	"github.com/velvetmask/velvet/internal/voicemask"
)

// Options wires the supervisor. NewClient is a test seam; when nil every
// relay gets a real telego adapter built from its token.
type Options struct {
	Store     *store.Store
	Backing   cache.Backing
	Masker    voicemask.Masker
	Proxy     string
	AwardDays int
	NewClient func(token string) (platform.Client, error)
	Log       *slog.Logger
}

// Supervisor maps credential tokens to running relays.
type Supervisor struct {
	store     *store.Store
	backing   cache.Backing
	masker    voicemask.Masker
	proxy     string
	awardDays int
	newClient func(token string) (platform.Client, error)
	log       *slog.Logger

	gblSt     *cache.Dict[relay.Status]
	startTime time.Time

	mu     sync.Mutex
	relays map[string]*task

	watchers sync.WaitGroup
}

// task is one supervised relay.
type task struct {
	relay *relay.Relay
}

func New(opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		store:     opts.Store,
		backing:   opts.Backing,
		masker:    opts.Masker,
		proxy:     opts.Proxy,
		awardDays: opts.AwardDays,
		newClient: opts.NewClient,
		log:       log,
		gblSt:     cache.NewDict(opts.Backing, cache.SystemKey("worker_status"), func() relay.Status { return relay.Status{} }),
		relays:    make(map[string]*task),
	}
}

// StartAll boots every non-disabled group. A relay that fails to boot is
// logged and skipped so one bad credential never takes the fleet down.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.startTime = time.Now()
	groups, err := s.store.EnabledGroups(ctx)
	if err != nil {
		return fmt.Errorf("enumerate groups: %w", err)
	}
	s.log.Info("starting fleet", "relays", len(groups))
	for _, g := range groups {
		creator, err := s.store.UserByID(ctx, g.CreatorID)
		if err != nil {
			s.log.Error("load relay creator", "group", g.ID, "error", err)
			continue
		}
		if _, err := s.StartGroupBot(ctx, g.Token, creator); err != nil {
			s.log.Error("boot relay", "group", g.ID, "error", err)
		}
	}
	s.log.Info("fleet started", "running", s.NRelays())
	return nil
}

// StartGroupBot boots the relay for the token, or returns the one already
// running. Boot errors surface to the caller.
func (s *Supervisor) StartGroupBot(ctx context.Context, token string, creator *store.User) (*relay.Relay, error) {
	s.mu.Lock()
	if t, ok := s.relays[token]; ok {
		s.mu.Unlock()
		return t.relay, nil
	}
	awardDays := s.awardDays
	s.mu.Unlock()

	opts := relay.Options{
		Token:        token,
		Creator:      creator,
		Store:        s.store,
		Backing:      s.backing,
		Masker:       s.masker,
		AwardDays:    awardDays,
		GlobalStatus: s.gblSt,
		Log:          s.log,
	}
	if s.newClient != nil {
		client, err := s.newClient(token)
		if err != nil {
			return nil, err
		}
		opts.Client = client
	} else {
		adapter, err := platform.NewTelego(token, s.proxy)
		if err != nil {
			return nil, fmt.Errorf("build adapter: %w", err)
		}
		opts.Adapter = adapter
	}

	r := relay.New(opts)
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}

	s.mu.Lock()
	s.relays[token] = &task{relay: r}
	s.mu.Unlock()

	s.watchers.Add(1)
	go s.watch(r)
	return r, nil
}

// watch evicts the relay when its terminal failure signal fires.
func (s *Supervisor) watch(r *relay.Relay) {
	defer s.watchers.Done()
	err, ok := <-r.Failed()
	if !ok {
		return
	}
	s.log.Warn("relay failed, evicting", "token_uid", r.Group().UID, "error", err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.StopGroupBot(ctx, r.Token())
}

// StopGroupBot stops and evicts one relay. Unknown tokens are a no-op.
func (s *Supervisor) StopGroupBot(ctx context.Context, token string) error {
	s.mu.Lock()
	t, ok := s.relays[token]
	delete(s.relays, token)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return t.relay.Stop(ctx)
}

// SetAwardDays updates the invite award horizon for relays booted after the
// call. Running relays keep their boot value.
func (s *Supervisor) SetAwardDays(days int) {
	s.mu.Lock()
	s.awardDays = days
	s.mu.Unlock()
}

// GetRelay returns the running relay for the token, if any.
func (s *Supervisor) GetRelay(token string) (*relay.Relay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.relays[token]
	if !ok {
		return nil, false
	}
	return t.relay, true
}

// NRelays reports the running relay count.
func (s *Supervisor) NRelays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays)
}

// StopAll stops every relay concurrently and waits for the failure watchers.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.relays))
	for _, t := range s.relays {
		tasks = append(tasks, t)
	}
	s.relays = make(map[string]*task)
	s.mu.Unlock()

	s.log.Info("stopping fleet", "relays", len(tasks))
	var g errgroup.Group
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t.relay.Stop(ctx) })
	}
	err := g.Wait()
	s.log.Info("fleet stopped")
	return err
}

// FleetStatus is the aggregate report for operator views.
type FleetStatus struct {
	StartTime time.Time
	Uptime    time.Duration
	Relays    int
	Worker    relay.Status
}

// Status reads the process-wide worker accounting.
func (s *Supervisor) Status(ctx context.Context) (FleetStatus, error) {
	worker, err := s.gblSt.Get(ctx)
	if err != nil {
		return FleetStatus{}, err
	}
	return FleetStatus{
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime),
		Relays:    s.NRelays(),
		Worker:    worker,
	}, nil
}
