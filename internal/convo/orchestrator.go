package convo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
	"github.com/havenlabs/haven/internal/transport"
)

type timeFunc func() time.Time

// Config tunes the turn loop. Zero values fall back to the defaults.
type Config struct {
	// SessionTimeout is the inactivity window after which a session that the
	// bot has already answered is compressed and closed.
	SessionTimeout time.Duration
	// TurnDelay is applied between generation attempts and after a turn.
	TurnDelay time.Duration
	// MaxNewInputRetries bounds how often a turn restarts to catch up with
	// messages that arrived while it was composing.
	MaxNewInputRetries int
	// EvaluationThreshold is the compressed-history size above which a
	// one-off evaluation job is scheduled on session close.
	EvaluationThreshold int
}

const (
	defaultSessionTimeout      = 60 * time.Minute
	defaultTurnDelay           = 2 * time.Second
	defaultMaxNewInputRetries  = 3
	defaultEvaluationThreshold = 5
)

// Orchestrator runs the per-chat turn loop. It holds only transient in-memory
// turn state (retry counter, accumulated restrictions) for the duration of
// one invocation; all durable state lives behind the stores.
type Orchestrator struct {
	store      store.Store
	responder  Responder
	assembler  *Assembler
	selector   *Selector
	compressor *Compressor
	exec       *executor
	jobs       Jobs
	keys       *keyring.Keyring
	cfg        Config
	log        zerolog.Logger

	now   timeFunc
	sleep func(ctx context.Context, d time.Duration)
}

func NewOrchestrator(s store.Store, tr transport.Transport, responder Responder, summarizer Summarizer, jobs Jobs, keys *keyring.Keyring, cache *fieldcache.Cache, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.TurnDelay <= 0 {
		cfg.TurnDelay = defaultTurnDelay
	}
	if cfg.MaxNewInputRetries <= 0 {
		cfg.MaxNewInputRetries = defaultMaxNewInputRetries
	}
	if cfg.EvaluationThreshold <= 0 {
		cfg.EvaluationThreshold = defaultEvaluationThreshold
	}
	o := &Orchestrator{
		store:      s,
		responder:  responder,
		assembler:  NewAssembler(s, keys, cache),
		selector:   NewSelector(),
		compressor: NewCompressor(s, summarizer, keys, cache, log),
		exec:       &executor{store: s, transport: tr, keys: keys, log: log},
		jobs:       jobs,
		keys:       keys,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	o.sleep = func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return o
}

// Run executes one tick of the turn loop for chatID. It returns stop=true
// when the chat's recurring job should be cancelled: no chat, no active
// session, or the session was just closed. Session creation is the ingest
// collaborator's job; Run never creates one.
func (o *Orchestrator) Run(ctx context.Context, chatID string) (stop bool, err error) {
	if _, err := o.store.Chats().Get(ctx, chatID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			o.log.Warn().Str("chat", chatID).Msg("chat missing, stopping job")
			return true, nil
		}
		return false, err
	}
	session, err := o.store.Sessions().GetActive(ctx, chatID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			o.log.Warn().Str("chat", chatID).Msg("no active session, stopping job")
			return true, nil
		}
		return false, err
	}

	if session.HasBotResponded() {
		inactive := o.now().Sub(session.InactiveSince())
		if inactive <= o.cfg.SessionTimeout {
			// Nothing to do this tick.
			return false, nil
		}
		if err := o.closeSession(ctx, chatID, session); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, o.generate(ctx, chatID, session)
}

// closeSession compresses, schedules the follow-up evaluation when the
// history was substantial, inactivates leftover flows, and closes the window.
func (o *Orchestrator) closeSession(ctx context.Context, chatID string, session *model.Session) error {
	compressed, err := o.compressor.Compress(ctx, chatID, session)
	if err != nil {
		return err
	}
	if compressed > o.cfg.EvaluationThreshold && o.jobs != nil {
		o.jobs.ScheduleEvaluation(chatID, session.SessionKey)
	}

	flows, err := o.store.GuidedFlows().List(ctx, chatID, store.FlowFilter{
		SessionKey: session.SessionKey,
		State:      model.FlowStateActive,
	})
	if err != nil {
		return err
	}
	now := o.now()
	for _, f := range flows {
		if err := o.store.GuidedFlows().Inactivate(ctx, f.FlowKey, now); err != nil && !errors.Is(err, model.ErrInvalidState) {
			return err
		}
	}

	if err := o.store.Sessions().Close(ctx, session.SessionKey, now); err != nil {
		return err
	}
	o.log.Info().Str("chat", chatID).Str("session", session.SessionKey).Msg("session closed on inactivity")
	return nil
}

// generate is the generation path of the loop: assemble, restrict, invoke
// the response step, and branch on the variant. A personality switch resets
// the retry counter; catching up to new input consumes it, at most
// MaxNewInputRetries times, before the pending response is forced through.
func (o *Orchestrator) generate(ctx context.Context, chatID string, session *model.Session) error {
	refTS := o.now()
	retries := 0
	extra := NewRestrictionSet()

	for {
		flows, err := o.store.GuidedFlows().List(ctx, chatID, store.FlowFilter{
			SessionKey: session.SessionKey,
			State:      model.FlowStateActive,
		})
		if err != nil {
			return err
		}
		sel := o.selector.Select(flows, o.now())
		for _, f := range sel.Expired {
			if err := o.store.GuidedFlows().Inactivate(ctx, f.FlowKey, o.now()); err != nil && !errors.Is(err, model.ErrInvalidState) {
				return err
			}
			o.log.Info().Str("flow", f.FlowKey).Str("type", string(f.Type)).Msg("expired flow inactivated")
		}

		asm, err := o.assembler.Assemble(ctx, chatID, session, sel.Flow, refTS)
		if err != nil {
			return err
		}
		notif, err := o.store.Notifications().NextPending(ctx, chatID)
		if err != nil {
			return err
		}

		bundle := Bundle{
			Kind:         bundleKindFor(sel.Flow),
			ChatID:       chatID,
			SessionKey:   session.SessionKey,
			Flow:         sel.Flow,
			Restrictions: TurnRestrictions(asm.Entries, notif != nil, extra),
			Notification: notif,
			Instructions: asm.Instructions,
		}
		if sel.Flow == nil {
			bundle.Personality = o.selector.Personality(asm.Personality)
		}

		resp, err := o.responder.Respond(ctx, &TurnInput{Entries: asm.Entries, Bundle: bundle})
		if err != nil {
			// Abort the tick without mutating session state; the next tick
			// starts fresh and the retry budget is untouched.
			return err
		}

		if resp.Kind == ResponseSwitch {
			if err := o.recordPersonalitySwitch(ctx, chatID, session.SessionKey, resp); err != nil {
				return err
			}
			extra.Add(RestrictPersonalitySwitch)
			retries = 0
			continue
		}

		if retries < o.cfg.MaxNewInputRetries {
			current, err := o.store.Sessions().Get(ctx, session.SessionKey)
			if err != nil {
				return err
			}
			if current.LastUserMessage != nil && current.LastUserMessage.After(refTS) {
				refTS = *current.LastUserMessage
				session = current
				retries++
				o.sleep(ctx, o.cfg.TurnDelay)
				continue
			}
		}

		if err := o.exec.execute(ctx, chatID, session.SessionKey, resp, o.now); err != nil {
			return err
		}
		if notif != nil && (resp.Kind == ResponseText || resp.Kind == ResponseKeyboard) {
			if err := o.store.Notifications().MarkCompleted(ctx, notif.ID, o.now()); err != nil {
				return err
			}
		}
		if err := o.store.Sessions().RecordBotEvent(ctx, session.SessionKey, refTS, false); err != nil {
			return err
		}
		o.sleep(ctx, o.cfg.TurnDelay)
		return nil
	}
}

// recordPersonalitySwitch persists the new personality as a context artifact
// so later turns (and the restriction policy) can see it.
func (o *Orchestrator) recordPersonalitySwitch(ctx context.Context, chatID, sessionKey string, resp *Response) error {
	key, err := o.keys.ChatKey(ctx, chatID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(personalityChoice{Personality: resp.Personality, Rationale: resp.Rationale})
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(raw, key)
	if err != nil {
		return err
	}
	return o.store.Artifacts().Upsert(ctx, &model.ContextArtifact{
		ArtifactKey:      model.ArtifactKeyFor(chatID, model.ArtifactPersonalityChoice, sealed),
		ChatID:           chatID,
		SessionKey:       sessionKey,
		Type:             model.ArtifactPersonalityChoice,
		EncryptedContent: sealed,
		CreatedAt:        o.now(),
	})
}
