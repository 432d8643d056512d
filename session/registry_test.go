package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn string

func (c fakeConn) ID() string { return string(c) }

func newTestRegistry(t *testing.T) *Registry {
	return NewRegistry(zaptest.NewLogger(t))
}

func TestAddThenRebind(t *testing.T) {
	r := newTestRegistry(t)
	a := New("token-a", "hw-1")
	_, err := r.AddOrReplace(a)
	require.NoError(t, err)
	require.Equal(t, Unbound, a.State())

	connX := fakeConn("x")
	require.NoError(t, r.Rebind(a, connX))

	got, ok := r.ByConnection(connX)
	require.True(t, ok)
	require.Same(t, a, got)

	byTok, ok := r.ByToken("token-a")
	require.True(t, ok)
	require.Equal(t, connX, byTok.Conn())
	require.Equal(t, Bound, byTok.State())
}

func TestAddOrReplaceSameToken(t *testing.T) {
	r := newTestRegistry(t)
	first := New("T1", "hw-1").WithConn(fakeConn("c1"))
	_, err := r.AddOrReplace(first)
	require.NoError(t, err)

	second := New("T1", "hw-2").WithConn(fakeConn("c2"))
	replaced, err := r.AddOrReplace(second)
	require.NoError(t, err)
	require.Same(t, first, replaced)
	require.Equal(t, Terminated, first.State())
	require.Nil(t, first.Conn())

	require.Equal(t, 1, r.Len())
	got, ok := r.ByToken("T1")
	require.True(t, ok)
	require.Same(t, second, got)
	require.Equal(t, fakeConn("c2"), got.Conn())

	_, ok = r.ByConnection(fakeConn("c1"))
	require.False(t, ok, "old binding dropped")

	require.ErrorIs(t, r.Rebind(first, fakeConn("c3")), ErrTerminated)
	_, err = r.AddOrReplace(first)
	require.ErrorIs(t, err, ErrTerminated)
}

func TestUnbindKeepsSession(t *testing.T) {
	r := newTestRegistry(t)
	s := New("tok", "")
	_, err := r.AddOrReplace(s)
	require.NoError(t, err)
	require.NoError(t, r.Rebind(s, fakeConn("c1")))

	require.Same(t, s, r.Unbind(fakeConn("c1")))
	require.Equal(t, Unbound, s.State())
	require.Nil(t, s.Conn())
	require.Nil(t, r.Unbind(fakeConn("c1")))

	got, ok := r.ByToken("tok")
	require.True(t, ok, "session survives connection loss")
	require.Same(t, s, got)

	require.NoError(t, r.Rebind(s, fakeConn("c2")))
	require.Equal(t, Bound, s.State())
}

func TestRebindMovesConnections(t *testing.T) {
	r := newTestRegistry(t)
	a := New("a", "")
	b := New("b", "")
	_, _ = r.AddOrReplace(a)
	_, _ = r.AddOrReplace(b)

	require.NoError(t, r.Rebind(a, fakeConn("c1")))
	require.NoError(t, r.Rebind(a, fakeConn("c2")))
	_, ok := r.ByConnection(fakeConn("c1"))
	require.False(t, ok, "previous connection of a released")

	require.NoError(t, r.Rebind(b, fakeConn("c2")))
	got, _ := r.ByConnection(fakeConn("c2"))
	require.Same(t, b, got)
	require.Equal(t, Unbound, a.State())
}

func TestRebindRequiresRegistration(t *testing.T) {
	r := newTestRegistry(t)
	stray := New("stray", "")
	require.ErrorIs(t, r.Rebind(stray, fakeConn("c")), ErrUnknownSession)
	require.ErrorIs(t, r.Rebind(stray, nil), ErrNilConn)
}

func TestSecondConnectionWithoutRebindMisses(t *testing.T) {
	r := newTestRegistry(t)
	s := New("T1", "")
	_, _ = r.AddOrReplace(s)
	require.NoError(t, r.Rebind(s, fakeConn("first")))

	_, ok := r.ByConnection(fakeConn("second"))
	require.False(t, ok)
	got, ok := r.ByToken("T1")
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestTerminateIsAbsorbing(t *testing.T) {
	r := newTestRegistry(t)
	s := New("tok", "")
	_, _ = r.AddOrReplace(s)
	require.NoError(t, r.Rebind(s, fakeConn("c")))

	got, ok := r.Terminate("tok")
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, Terminated, s.State())
	require.Zero(t, r.Len())

	_, ok = r.ByConnection(fakeConn("c"))
	require.False(t, ok)
	require.ErrorIs(t, r.Rebind(s, fakeConn("c")), ErrTerminated)
	require.ErrorIs(t, r.Subscribe(s, "chat"), ErrTerminated)
	require.ErrorIs(t, r.AddPlayTime(s, time.Second), ErrTerminated)

	_, ok = r.Terminate("tok")
	require.False(t, ok)
}

func TestSubscriptions(t *testing.T) {
	r := newTestRegistry(t)
	a := New("a", "")
	b := New("b", "")
	_, _ = r.AddOrReplace(a)
	_, _ = r.AddOrReplace(b)

	require.NoError(t, r.Subscribe(a, "chat/global"))
	require.NoError(t, r.Subscribe(a, "clan/7"))
	require.NoError(t, r.Subscribe(b, "chat/global"))
	require.Equal(t, []string{"chat/global", "clan/7"}, a.Topics())
	require.Len(t, r.Subscribers("chat/global"), 2)

	require.NoError(t, r.Unsubscribe(a, "chat/global"))
	require.NoError(t, r.Unsubscribe(a, "never"))
	subs := r.Subscribers("chat/global")
	require.Len(t, subs, 1)
	require.Same(t, b, subs[0])
}

func TestPlayTime(t *testing.T) {
	r := newTestRegistry(t)
	s := New("a", "").PresetPlayTime(time.Hour)
	_, _ = r.AddOrReplace(s)
	require.NoError(t, r.AddPlayTime(s, 90*time.Second))
	require.NoError(t, r.AddPlayTime(s, -time.Second))
	require.Equal(t, time.Hour+90*time.Second, s.PlayTime())
}

func TestEvictIdle(t *testing.T) {
	r := newTestRegistry(t)
	idle := New("idle", "")
	live := New("live", "")
	_, _ = r.AddOrReplace(idle)
	_, _ = r.AddOrReplace(live)
	require.NoError(t, r.Rebind(live, fakeConn("c")))

	time.Sleep(20 * time.Millisecond)
	evicted := r.EvictIdle(context.Background(), 10*time.Millisecond, nil)
	require.Len(t, evicted, 1)
	require.Same(t, idle, evicted[0])
	require.Equal(t, Terminated, idle.State())
	require.Equal(t, 1, r.Len())

	require.Empty(t, r.EvictIdle(context.Background(), time.Hour, nil))
}

func TestEvictIdlePersistsBeforeRemoval(t *testing.T) {
	r := newTestRegistry(t)
	s := New("idle", "").PresetPlayTime(time.Minute)
	_, _ = r.AddOrReplace(s)
	time.Sleep(5 * time.Millisecond)

	var saved []time.Duration
	evicted := r.EvictIdle(context.Background(), time.Millisecond, func(_ context.Context, got *Session) error {
		// Still registered while its state is written.
		cur, ok := r.ByToken("idle")
		require.True(t, ok)
		require.Same(t, s, cur)
		saved = append(saved, got.PlayTime())
		return nil
	})
	require.Equal(t, []*Session{s}, evicted)
	require.Equal(t, []time.Duration{time.Minute}, saved)
	require.Zero(t, r.Len())
}

func TestEvictIdleKeepsSessionOnPersistFailure(t *testing.T) {
	r := newTestRegistry(t)
	s := New("idle", "")
	_, _ = r.AddOrReplace(s)
	time.Sleep(5 * time.Millisecond)

	evicted := r.EvictIdle(context.Background(), time.Millisecond, func(context.Context, *Session) error {
		return errors.New("database is locked")
	})
	require.Empty(t, evicted)
	require.Equal(t, Unbound, s.State())
	require.Equal(t, 1, r.Len())
}

func TestEvictIdleKeepsSessionResumedDuringPersist(t *testing.T) {
	r := newTestRegistry(t)
	s := New("idle", "").PresetPlayTime(time.Minute)
	_, _ = r.AddOrReplace(s)
	time.Sleep(5 * time.Millisecond)

	evicted := r.EvictIdle(context.Background(), time.Millisecond, func(context.Context, *Session) error {
		got, err := r.BindOrCreate("idle", fakeConn("c"), "", func() *Session {
			t.Error("resume must find the registered session")
			return New("idle", "")
		})
		require.NoError(t, err)
		require.Same(t, s, got)
		return nil
	})
	require.Empty(t, evicted)
	require.Equal(t, Bound, s.State())

	// Unbound again, credited play time, then persisted once more.
	require.NoError(t, r.AddPlayTime(s, time.Second))
	r.Unbind(fakeConn("c"))
	time.Sleep(5 * time.Millisecond)
	evicted = r.EvictIdle(context.Background(), time.Millisecond, func(_ context.Context, got *Session) error {
		require.Equal(t, time.Minute+time.Second, got.PlayTime())
		return nil
	})
	require.Equal(t, []*Session{s}, evicted)
}

func TestRunEviction(t *testing.T) {
	r := newTestRegistry(t)
	_, _ = r.AddOrReplace(New("idle", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Session, 1)
	go r.RunEviction(ctx, 5*time.Millisecond, time.Millisecond, func(_ context.Context, s *Session) error {
		select {
		case got <- s:
		default:
		}
		return nil
	})

	select {
	case s := <-got:
		require.Equal(t, "idle", s.Token())
	case <-time.After(2 * time.Second):
		t.Fatal("eviction never ran")
	}
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

type closableConn struct {
	id     string
	closed atomic.Bool
}

func (c *closableConn) ID() string   { return c.id }
func (c *closableConn) Closed() bool { return c.closed.Load() }

func TestClosedConnectionIsNeverBound(t *testing.T) {
	r := newTestRegistry(t)
	s := New("tok", "")
	_, _ = r.AddOrReplace(s)

	c := &closableConn{id: "c"}
	c.closed.Store(true)
	require.ErrorIs(t, r.Rebind(s, c), ErrConnClosed)
	_, err := r.BindOrCreate("tok", c, "", func() *Session { return New("tok", "") })
	require.ErrorIs(t, err, ErrConnClosed)
	_, err = r.AddOrReplace(New("other", "").WithConn(c))
	require.ErrorIs(t, err, ErrConnClosed)

	require.Equal(t, Unbound, s.State())
	_, ok := r.ByConnection(c)
	require.False(t, ok)
	_, ok = r.ByToken("other")
	require.False(t, ok)
}

func TestBindOrCreateSharesOneSession(t *testing.T) {
	r := newTestRegistry(t)
	var created atomic.Int32
	sessions := make([]*Session, 16)

	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.BindOrCreate("T1", fakeConn(fmt.Sprintf("c%d", i)), "", func() *Session {
				created.Add(1)
				return New("T1", "")
			})
			if err == nil {
				sessions[i] = s
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, created.Load())
	for _, s := range sessions {
		require.Same(t, sessions[0], s)
	}
	require.Equal(t, Bound, sessions[0].State())
	require.Equal(t, 1, r.Len())
	bound, ok := r.ByConnection(sessions[0].Conn())
	require.True(t, ok)
	require.Same(t, sessions[0], bound)
}

func TestBindOrCreateRefreshesHardwareID(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.BindOrCreate("T1", fakeConn("c1"), "hw-1", func() *Session { return New("T1", "hw-1") })
	require.NoError(t, err)

	again, err := r.BindOrCreate("T1", fakeConn("c2"), "hw-2", nil)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, "hw-2", s.HardwareID())

	_, err = r.BindOrCreate("T1", fakeConn("c3"), "", nil)
	require.NoError(t, err)
	require.Equal(t, "hw-2", s.HardwareID(), "empty hardware id leaves it as is")
}

func TestRangeSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		_, _ = r.AddOrReplace(New(fmt.Sprintf("t%d", i), ""))
	}
	seen := 0
	r.Range(func(s *Session) bool {
		// Calling back into the registry must not deadlock.
		_, _ = r.Terminate(s.Token())
		seen++
		return true
	})
	require.Equal(t, 5, seen)
	require.Zero(t, r.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := fmt.Sprintf("tok-%d", i%4)
			for j := 0; j < 200; j++ {
				s := New(tok, "")
				if _, err := r.AddOrReplace(s); err != nil {
					continue
				}
				c := fakeConn(fmt.Sprintf("c-%d-%d", i, j))
				_ = r.Rebind(s, c)
				_, _ = r.ByConnection(c)
				_, _ = r.ByToken(tok)
				_ = r.Subscribe(s, "topic")
				r.Unbind(c)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 4, r.Len())
}
