package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestScheduleIsIdempotent(t *testing.T) {
	var ticks atomic.Int32
	s := New(func(context.Context, string) (bool, error) {
		ticks.Add(1)
		return false, nil
	}, 10*time.Millisecond, zerolog.Nop())
	defer s.Close()

	s.Schedule("42")
	s.Schedule("42")
	s.Schedule("42")
	assert.True(t, s.Active("42"))

	waitFor(t, func() bool { return ticks.Load() >= 3 })

	// One job only: ticks accumulate at roughly the configured interval,
	// not three times as fast. Stopping once kills it.
	s.Stop("42")
	assert.False(t, s.Active("42"))
}

func TestJobStopsItself(t *testing.T) {
	s := New(func(context.Context, string) (bool, error) {
		return true, nil
	}, 5*time.Millisecond, zerolog.Nop())
	defer s.Close()

	s.Schedule("42")
	waitFor(t, func() bool { return !s.Active("42") })
}

func TestStopIsSafeConcurrently(t *testing.T) {
	s := New(func(context.Context, string) (bool, error) {
		return false, nil
	}, 10*time.Millisecond, zerolog.Nop())
	defer s.Close()

	s.Schedule("42")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop("42")
		}()
	}
	wg.Wait()
	assert.False(t, s.Active("42"))

	// Stopping an unknown chat is a no-op.
	s.Stop("ghost")
}

func TestTickErrorKeepsJobAlive(t *testing.T) {
	var ticks atomic.Int32
	s := New(func(context.Context, string) (bool, error) {
		ticks.Add(1)
		return false, assert.AnError
	}, 5*time.Millisecond, zerolog.Nop())
	defer s.Close()

	s.Schedule("42")
	waitFor(t, func() bool { return ticks.Load() >= 2 })
	assert.True(t, s.Active("42"))
}

func TestScheduleOnceRuns(t *testing.T) {
	s := New(func(context.Context, string) (bool, error) { return false, nil }, time.Second, zerolog.Nop())
	defer s.Close()

	done := make(chan struct{})
	s.ScheduleOnce(time.Millisecond, func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-off job never ran")
	}
}

func TestEvaluationsInvokeHook(t *testing.T) {
	s := New(func(context.Context, string) (bool, error) { return false, nil }, time.Second, zerolog.Nop())
	defer s.Close()

	got := make(chan string, 1)
	ev := NewEvaluations(s, func(_ context.Context, chatID, sessionKey string) error {
		got <- chatID + "/" + sessionKey
		return nil
	}, time.Millisecond, zerolog.Nop())

	ev.ScheduleEvaluation("42", "sess-1")
	select {
	case v := <-got:
		require.Equal(t, "42/sess-1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never ran")
	}
}
