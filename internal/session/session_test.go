package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dm-responder/internal/domain"
	"dm-responder/internal/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var key = domain.ThreadKey{AccountID: "acct-1", CounterpartID: "user-1"}

func newTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	s, err := New(state.NewMemoryStore(clock.Now), opts)
	require.NoError(t, err)
	return s, clock
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestAppend_ReturnsHistoryInOrder(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Append(ctx, key, domain.RoleUser, "ciao")
	require.NoError(t, err)
	turns, err := s.Append(ctx, key, domain.RoleAssistant, "ciao! come posso aiutarti?")
	require.NoError(t, err)

	require.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "ciao"},
		{Role: domain.RoleAssistant, Content: "ciao! come posso aiutarti?"},
	}, turns)
}

func TestAppend_TrimsOldestBeyondCap(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	var turns []domain.Turn
	var err error
	for i := 1; i <= 13; i++ {
		turns, err = s.Append(ctx, key, domain.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	require.Len(t, turns, DefaultMaxTurns)
	require.Equal(t, "m2", turns[0].Content)
	require.Equal(t, "m13", turns[11].Content)
}

func TestAppend_RejectsBadInput(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	_, err := s.Append(context.Background(), key, domain.RoleSystem, "x")
	require.Error(t, err)
	_, err = s.Append(context.Background(), key, domain.RoleUser, "  ")
	require.Error(t, err)
}

func TestIdleExpiry(t *testing.T) {
	s, clock := newTestStore(t, Options{IdleTTL: time.Hour})
	ctx := context.Background()

	_, err := s.Append(ctx, key, domain.RoleUser, "first")
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	turns, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, turns, 1, "reading refreshes the idle timer")

	clock.Advance(59 * time.Minute)
	turns, err = s.Append(ctx, key, domain.RoleUser, "second")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	clock.Advance(61 * time.Minute)
	turns, err = s.Append(ctx, key, domain.RoleUser, "fresh start")
	require.NoError(t, err)
	require.Equal(t, []domain.Turn{{Role: domain.RoleUser, Content: "fresh start"}}, turns)
}

func TestHistory_ReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.Append(ctx, key, domain.RoleUser, "ciao")
	require.NoError(t, err)

	turns, err := s.History(ctx, key)
	require.NoError(t, err)
	turns[0].Content = "mutated"

	again, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "ciao", again[0].Content)
}

func TestHistory_Empty(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	turns, err := s.History(context.Background(), key)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.Append(ctx, key, domain.RoleUser, "ciao")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, key))
	turns, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestThreadsAreIsolated(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	other := domain.ThreadKey{AccountID: "acct-1", CounterpartID: "user-2"}

	_, err := s.Append(ctx, key, domain.RoleUser, "a")
	require.NoError(t, err)
	turns, err := s.Append(ctx, other, domain.RoleUser, "b")
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestAppend_ConcurrentSameThread(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxTurns: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, key, domain.RoleUser, fmt.Sprintf("m%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, turns, 20, "no append may be lost")
}

type failingStore struct{ state.Store }

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("unavailable")
}

func (failingStore) Update(context.Context, string, time.Duration, state.UpdateFunc) error {
	return errors.New("unavailable")
}

func TestAppend_StoreError(t *testing.T) {
	s, err := New(failingStore{}, Options{})
	require.NoError(t, err)
	_, err = s.Append(context.Background(), key, domain.RoleUser, "ciao")
	require.ErrorContains(t, err, "session: append")
	_, err = s.History(context.Background(), key)
	require.ErrorContains(t, err, "session: load")
}

// racingStore lets another writer commit between the read and the write of
// the first Update attempt, the way a second instance would.
type racingStore struct {
	*state.MemoryStore
	mu    sync.Mutex
	race  func()
	tries int
}

func (r *racingStore) Update(ctx context.Context, key string, ttl time.Duration, fn state.UpdateFunc) error {
	return state.Retry(ctx, func() (bool, error) {
		cur, found, err := r.Get(ctx, key)
		if err != nil {
			return false, err
		}
		next, err := fn(cur, found)
		if err != nil {
			return false, err
		}
		r.mu.Lock()
		r.tries++
		race := r.race
		r.race = nil
		r.mu.Unlock()
		if race != nil {
			race()
			return false, nil
		}
		return true, r.Put(ctx, key, next, ttl)
	})
}

func TestAppend_SharedStoreAcrossInstances(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	shared := &racingStore{MemoryStore: state.NewMemoryStore(clock.Now)}
	ctx := context.Background()

	first, err := New(shared, Options{Now: clock.Now})
	require.NoError(t, err)
	second, err := New(shared, Options{Now: clock.Now})
	require.NoError(t, err)

	shared.race = func() {
		_, err := second.Append(ctx, key, domain.RoleUser, "from second")
		require.NoError(t, err)
	}
	turns, err := first.Append(ctx, key, domain.RoleUser, "from first")
	require.NoError(t, err)
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "from second"},
		{Role: domain.RoleUser, Content: "from first"},
	}, turns)
	require.Equal(t, 3, shared.tries)

	turns, err = second.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}
