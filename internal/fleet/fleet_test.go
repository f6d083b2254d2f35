package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

func token(n int) string {
	return fmt.Sprintf("%d:TESTTOKENTESTTOKENTESTTOKENTESTTOKE", 100000000+n)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "velvet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sup := New(Options{
		Store:     s,
		Backing:   cache.NewMemory(),
		AwardDays: 180,
		NewClient: func(string) (platform.Client, error) {
			return platform.NewRecorder(), nil
		},
	})
	t.Cleanup(func() { _ = sup.StopAll(context.Background()) })
	return sup, s
}

func TestStartAllBootsEnabledGroups(t *testing.T) {
	ctx := context.Background()
	sup, s := newTestSupervisor(t)

	creator, err := s.TouchUser(ctx, 1001, "a", "A", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := s.CreateGroup(ctx, store.CreateGroupParams{
			UID: int64(100000000 + i), Token: token(i), Creator: creator,
		}); err != nil {
			t.Fatal(err)
		}
	}
	disabled, err := s.CreateGroup(ctx, store.CreateGroupParams{
		UID: 100000003, Token: token(3), Creator: creator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetGroupDisabled(ctx, disabled, true); err != nil {
		t.Fatal(err)
	}

	if err := sup.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := sup.NRelays(); n != 2 {
		t.Fatalf("running relays = %d, want 2", n)
	}
	if _, ok := sup.GetRelay(token(3)); ok {
		t.Fatal("disabled group must not boot")
	}
}

func TestStartGroupBotCreatesAndDedupes(t *testing.T) {
	ctx := context.Background()
	sup, s := newTestSupervisor(t)

	creator, err := s.TouchUser(ctx, 1001, "a", "A", "")
	if err != nil {
		t.Fatal(err)
	}
	r1, err := sup.StartGroupBot(ctx, token(7), creator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GroupByToken(ctx, token(7)); err != nil {
		t.Fatalf("group row not created: %v", err)
	}
	has, err := s.HasRole(ctx, creator, store.UserGrouper)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("creator must earn GROUPER")
	}

	r2, err := sup.StartGroupBot(ctx, token(7), creator)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatal("second start must return the running relay")
	}
	if sup.NRelays() != 1 {
		t.Fatalf("relays = %d, want 1", sup.NRelays())
	}
}

func TestStopGroupBotEvicts(t *testing.T) {
	ctx := context.Background()
	sup, s := newTestSupervisor(t)

	creator, err := s.TouchUser(ctx, 1001, "a", "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sup.StartGroupBot(ctx, token(9), creator); err != nil {
		t.Fatal(err)
	}
	if err := sup.StopGroupBot(ctx, token(9)); err != nil {
		t.Fatal(err)
	}
	if sup.NRelays() != 0 {
		t.Fatal("relay must be evicted")
	}
	if err := sup.StopGroupBot(ctx, token(9)); err != nil {
		t.Fatal("stopping an unknown token must be a no-op")
	}
}

func TestDisabledGroupRefusesBoot(t *testing.T) {
	ctx := context.Background()
	sup, s := newTestSupervisor(t)

	creator, err := s.TouchUser(ctx, 1001, "a", "A", "")
	if err != nil {
		t.Fatal(err)
	}
	g, err := s.CreateGroup(ctx, store.CreateGroupParams{UID: 100000011, Token: token(11), Creator: creator})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetGroupDisabled(ctx, g, true); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.StartGroupBot(ctx, token(11), creator); err == nil {
		t.Fatal("disabled relay must refuse to boot")
	}
	if sup.NRelays() != 0 {
		t.Fatal("failed boot must not be retained")
	}
}

func TestStatusAggregates(t *testing.T) {
	ctx := context.Background()
	sup, s := newTestSupervisor(t)

	creator, err := s.TouchUser(ctx, 1001, "a", "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.StartGroupBot(ctx, token(21), creator); err != nil {
		t.Fatal(err)
	}

	st, err := sup.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Relays != 1 {
		t.Fatalf("relays = %d, want 1", st.Relays)
	}
	if st.StartTime.IsZero() {
		t.Fatal("start time must be recorded")
	}
}
