package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EvaluateFunc performs the follow-up evaluation of a closed session.
type EvaluateFunc func(ctx context.Context, chatID, sessionKey string) error

// Evaluations adapts the scheduler's one-off jobs to the orchestrator's
// post-close evaluation hook.
type Evaluations struct {
	sched *Scheduler
	eval  EvaluateFunc
	delay time.Duration
	log   zerolog.Logger
}

func NewEvaluations(s *Scheduler, eval EvaluateFunc, delay time.Duration, log zerolog.Logger) *Evaluations {
	return &Evaluations{sched: s, eval: eval, delay: delay, log: log}
}

// ScheduleEvaluation queues a one-off evaluation of the given session.
func (e *Evaluations) ScheduleEvaluation(chatID, sessionKey string) {
	e.sched.ScheduleOnce(e.delay, func(ctx context.Context) {
		if err := e.eval(ctx, chatID, sessionKey); err != nil {
			e.log.Error().Err(err).Str("chat", chatID).Str("session", sessionKey).Msg("session evaluation failed")
		}
	})
}
