// Package mask assigns ephemeral emoji masks to relay members. Each relay
// owns one Allocator; masks are unique within the relay for as long as their
// holders stay active.
package mask

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rivo/uniseg"

	"github.com/velvetmask/velvet/internal/cache"
)

// ErrNotAvailable means every mask is held by a recently active member.
var ErrNotAvailable = errors.New("no mask available")

// StealAfter is how long a holder must be idle before its mask can be
// reassigned.
const StealAfter = 3 * 24 * time.Hour

// alphabet is the curated emoji pool. Split into grapheme clusters at init
// so multi-codepoint emojis stay intact.
const alphabet = "🐶🐱🐹🐰🦊🐼🐯🐮🦁🐸🐵🐔🐧🐥🦆🦅🦉🦄🐝🦋🐌🐙🦖🦀🐠🐳🐘🐿👻🎃🦕🐡🎄🍄🍁🐚🧸🎩🕶🐟🐬🐲🚤🛶"

// Alphabet returns the distinct mask emojis.
func Alphabet() []string {
	seen := make(map[string]bool)
	var out []string
	state := -1
	rest := alphabet
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if !seen[cluster] {
			seen[cluster] = true
			out = append(out, cluster)
		}
	}
	return out
}

type holder struct {
	MemberID int64 `json:"member_id"`
	LastUsed int64 `json:"last_used"` // unix seconds
}

type state struct {
	Users map[int64]string  `json:"users"` // member id -> mask
	Masks map[string]holder `json:"masks"` // mask -> holder
}

// Allocator maintains the mask table of one relay, persisted through the
// cache layer after every mutation.
type Allocator struct {
	mu       sync.Mutex
	dict     *cache.Dict[state]
	alphabet []string

	// test seams
	now  func() time.Time
	pick func(n int) int
}

// New binds the allocator to the relay's cache key.
func New(backing cache.Backing, token string) *Allocator {
	return &Allocator{
		dict: cache.NewDict(backing, cache.GroupKey(token, "masks"), func() state {
			return state{Users: map[int64]string{}, Masks: map[string]holder{}}
		}),
		alphabet: Alphabet(),
		now:      time.Now,
		pick:     rand.IntN,
	}
}

// MaskFor returns the member's current mask without mutating anything.
func (a *Allocator) MaskFor(ctx context.Context, memberID int64) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.dict.Get(ctx)
	if err != nil {
		return "", false, err
	}
	m, ok := st.Users[memberID]
	return m, ok, nil
}

// GetMask returns the member's mask, allocating one when absent or when
// renew is set. created reports whether a new mask was assigned.
func (a *Allocator) GetMask(ctx context.Context, memberID int64, renew bool) (bool, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		created   bool
		mask      string
		exhausted bool
	)
	err := a.dict.Update(ctx, func(st *state) {
		now := a.now().Unix()
		if current, ok := st.Users[memberID]; ok && !renew {
			st.Masks[current] = holder{MemberID: memberID, LastUsed: now}
			mask = current
			return
		}
		next, ok := a.allocate(st)
		if !ok {
			exhausted = true
			return
		}
		if current, ok := st.Users[memberID]; ok {
			delete(st.Masks, current)
		}
		st.Users[memberID] = next
		st.Masks[next] = holder{MemberID: memberID, LastUsed: now}
		created, mask = true, next
	})
	if err != nil {
		return false, "", err
	}
	if exhausted {
		return false, "", ErrNotAvailable
	}
	return created, mask, nil
}

// TakeMask claims a specific mask for the member. It succeeds only if the
// mask is unassigned or its holder has been idle beyond StealAfter.
func (a *Allocator) TakeMask(ctx context.Context, memberID int64, desired string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	taken := false
	err := a.dict.Update(ctx, func(st *state) {
		if h, held := st.Masks[desired]; held {
			if h.MemberID == memberID {
				taken = true
				st.Masks[desired] = holder{MemberID: memberID, LastUsed: a.now().Unix()}
				return
			}
			if a.now().Sub(time.Unix(h.LastUsed, 0)) <= StealAfter {
				return
			}
			delete(st.Users, h.MemberID)
		}
		if current, ok := st.Users[memberID]; ok {
			delete(st.Masks, current)
		}
		st.Users[memberID] = desired
		st.Masks[desired] = holder{MemberID: memberID, LastUsed: a.now().Unix()}
		taken = true
	})
	if err != nil {
		return false, err
	}
	return taken, nil
}

// Release drops the member's mask assignment, if any.
func (a *Allocator) Release(ctx context.Context, memberID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dict.Update(ctx, func(st *state) {
		if current, ok := st.Users[memberID]; ok {
			delete(st.Masks, current)
			delete(st.Users, memberID)
		}
	})
}

// allocate picks an unused emoji uniformly at random, falling back to
// stealing the longest-idle mask whose holder exceeds StealAfter.
func (a *Allocator) allocate(st *state) (string, bool) {
	var unused []string
	for _, e := range a.alphabet {
		if _, taken := st.Masks[e]; !taken {
			unused = append(unused, e)
		}
	}
	if len(unused) > 0 {
		return unused[a.pick(len(unused))], true
	}

	now := a.now()
	var oldest string
	var oldestUsed int64
	for _, e := range a.alphabet {
		h, ok := st.Masks[e]
		if !ok {
			continue
		}
		if now.Sub(time.Unix(h.LastUsed, 0)) <= StealAfter {
			continue
		}
		if oldest == "" || h.LastUsed < oldestUsed {
			oldest, oldestUsed = e, h.LastUsed
		}
	}
	if oldest == "" {
		return "", false
	}
	delete(st.Users, st.Masks[oldest].MemberID)
	return oldest, true
}

// Graphemes splits a string into grapheme clusters. Used by the mask-setting
// flow to count the emojis of a requested pinned mask.
func Graphemes(s string) []string {
	var out []string
	state := -1
	for len(s) > 0 {
		var cluster string
		cluster, s, _, state = uniseg.FirstGraphemeClusterInString(s, state)
		out = append(out, cluster)
	}
	return out
}
