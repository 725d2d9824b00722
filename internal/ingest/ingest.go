// Package ingest is the inbound half of the pipeline: it persists incoming
// messages and reactions, opens chats and sessions on first contact, applies
// slash commands, and makes sure the chat's recurring conversation job is
// scheduled. Session creation happens here, never in the turn loop.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

// Update is one inbound user event, already normalized by the transport.
type Update struct {
	ChatID    string
	MessageID string
	Text      string
	// MimeType is set when the message carried an attachment haven cannot
	// read; the turn loop surfaces it as an instruction.
	MimeType string
	// ReactsTo marks the update as a reaction to an earlier message.
	ReactsTo string
	// Edited marks a revision of an earlier message: it refreshes user
	// activity without counting as a new message.
	Edited bool
	At     time.Time
}

// Scheduler is the slice of the job scheduler ingest needs.
type Scheduler interface {
	Schedule(chatID string)
}

// Commands understood at ingest time.
const (
	cmdStart   = "/start"
	cmdJournal = "/journal"
	cmdEnd     = "/end"
)

type Ingestor struct {
	store store.Store
	keys  *keyring.Keyring
	sched Scheduler
	log   zerolog.Logger
	now   func() time.Time
}

func New(s store.Store, keys *keyring.Keyring, sched Scheduler, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		store: s,
		keys:  keys,
		sched: sched,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// HandleUpdate persists one inbound update and keeps the chat's job alive.
func (i *Ingestor) HandleUpdate(ctx context.Context, upd Update) error {
	key, err := i.keys.EnsureChat(ctx, upd.ChatID)
	if err != nil {
		return err
	}
	session, err := i.ensureSession(ctx, upd.ChatID, upd.At)
	if err != nil {
		return err
	}

	kind := model.EventMessage
	countsAsMessage := !upd.Edited
	if upd.ReactsTo != "" {
		kind = model.EventReaction
		countsAsMessage = false
	}

	body, err := crypto.Seal([]byte(upd.Text), key)
	if err != nil {
		return err
	}
	if err := i.store.Events().Append(ctx, &model.Event{
		EventKey:      model.EventKeyFor(upd.ChatID, upd.MessageID, kind, upd.At),
		ChatID:        upd.ChatID,
		SessionKey:    session.SessionKey,
		MessageID:     upd.MessageID,
		Kind:          kind,
		Sender:        model.SenderUser,
		EncryptedBody: body,
		ReactsTo:      upd.ReactsTo,
		MimeType:      upd.MimeType,
		CreatedAt:     upd.At,
	}); err != nil {
		return err
	}
	if err := i.store.Sessions().RecordUserEvent(ctx, session.SessionKey, upd.At, countsAsMessage); err != nil {
		return err
	}

	// Commands only fire on fresh messages; editing text into a command does
	// not re-trigger it.
	if kind == model.EventMessage && !upd.Edited {
		if err := i.applyCommand(ctx, upd, session); err != nil {
			return err
		}
	}

	i.sched.Schedule(upd.ChatID)
	return nil
}

// ensureSession returns the chat's open session, creating one when the chat
// has none.
func (i *Ingestor) ensureSession(ctx context.Context, chatID string, at time.Time) (*model.Session, error) {
	session, err := i.store.Sessions().GetActive(ctx, chatID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	session, err = i.store.Sessions().Create(ctx, chatID, at)
	if err != nil {
		return nil, err
	}
	i.log.Info().Str("chat", chatID).Str("session", session.SessionKey).Msg("session opened")
	return session, nil
}

func (i *Ingestor) applyCommand(ctx context.Context, upd Update, session *model.Session) error {
	switch strings.TrimSpace(strings.ToLower(upd.Text)) {
	case cmdStart:
		_, err := i.store.GuidedFlows().Start(ctx, upd.ChatID, session.SessionKey, model.FlowOnboarding, upd.At)
		return err
	case cmdJournal:
		_, err := i.store.GuidedFlows().Start(ctx, upd.ChatID, session.SessionKey, model.FlowJournaling, upd.At)
		return err
	case cmdEnd:
		return i.endSession(ctx, upd.ChatID, session, upd.At)
	default:
		return nil
	}
}

// endSession closes the window on an explicit end command. Any still-active
// flows are inactivated first; the recurring job then stops itself on its
// next tick when it finds no open session.
func (i *Ingestor) endSession(ctx context.Context, chatID string, session *model.Session, at time.Time) error {
	flows, err := i.store.GuidedFlows().List(ctx, chatID, store.FlowFilter{
		SessionKey: session.SessionKey,
		State:      model.FlowStateActive,
	})
	if err != nil {
		return err
	}
	for _, f := range flows {
		if err := i.store.GuidedFlows().Inactivate(ctx, f.FlowKey, at); err != nil && !errors.Is(err, model.ErrInvalidState) {
			return err
		}
	}
	if err := i.store.Sessions().Close(ctx, session.SessionKey, at); err != nil {
		return err
	}
	i.log.Info().Str("chat", chatID).Str("session", session.SessionKey).Msg("session closed by command")
	return nil
}
