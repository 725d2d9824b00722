package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRetentionPurgesOnCutoff(t *testing.T) {
	keep := 30 * 24 * time.Hour
	var runs atomic.Int32
	var cutoff atomic.Value

	r := NewRetention(func(_ context.Context, endedBefore time.Time) (int64, error) {
		runs.Add(1)
		cutoff.Store(endedBefore)
		return 2, nil
	}, keep, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return runs.Load() >= 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop never exited")
	}

	got := cutoff.Load().(time.Time)
	assert.WithinDuration(t, time.Now().UTC().Add(-keep), got, time.Minute)
}

func TestRetentionSurvivesPurgeErrors(t *testing.T) {
	var runs atomic.Int32
	r := NewRetention(func(context.Context, time.Time) (int64, error) {
		runs.Add(1)
		return 0, assert.AnError
	}, time.Hour, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	waitFor(t, func() bool { return runs.Load() >= 3 })
}
