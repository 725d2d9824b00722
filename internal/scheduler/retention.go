package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PurgeFunc removes raw event rows of sessions that ended before the cutoff
// and reports how many rows went away.
type PurgeFunc func(ctx context.Context, endedBefore time.Time) (int64, error)

// Retention ages out encrypted message history of long-closed sessions.
// Summary artifacts are untouched; only the raw rows expire.
type Retention struct {
	purge    PurgeFunc
	keep     time.Duration
	interval time.Duration
	log      zerolog.Logger
}

func NewRetention(purge PurgeFunc, keep, interval time.Duration, log zerolog.Logger) *Retention {
	if keep <= 0 {
		keep = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{purge: purge, keep: keep, interval: interval, log: log}
}

// Start blocks until ctx is cancelled, purging once immediately and then on
// every interval tick.
func (r *Retention) Start(ctx context.Context) {
	r.log.Info().Dur("keep", r.keep).Dur("interval", r.interval).Msg("retention purge started")
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Retention) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.keep)
	n, err := r.purge(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("retention purge failed")
		return
	}
	if n > 0 {
		r.log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("retention purge removed expired history")
	}
}
