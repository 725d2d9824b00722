package convo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
	"github.com/havenlabs/haven/internal/transport"
)

// ResponseKind tags the variant the response step chose.
type ResponseKind string

const (
	ResponseText     ResponseKind = "text"
	ResponseKeyboard ResponseKind = "keyboard"
	ResponseReaction ResponseKind = "reaction"
	ResponseSwitch   ResponseKind = "switch-personality"
	ResponseNone     ResponseKind = "do-nothing"
)

// Response is the single tagged variant returned by the response step. Only
// the fields of the tagged variant are meaningful.
type Response struct {
	Kind ResponseKind

	// Text and keyboard variants.
	Text     string
	ReplyTo  string
	Buttons  []transport.Button
	Keyboard [][]string

	// Reaction variant.
	Reaction string
	ReactTo  string

	// Switch variant.
	Personality model.Personality

	// Rationale explains the choice; persisted as a response-rationale
	// artifact for later context assembly.
	Rationale string
}

// executor performs a response's side effects: transport delivery first,
// then persistence. A transport failure aborts before anything is written so
// the next tick re-derives the correct action from unmutated state.
type executor struct {
	store     store.Store
	transport transport.Transport
	keys      *keyring.Keyring
	log       zerolog.Logger
}

func (x *executor) execute(ctx context.Context, chatID, sessionKey string, r *Response, at timeFunc) error {
	key, err := x.keys.ChatKey(ctx, chatID)
	if err != nil {
		return err
	}

	switch r.Kind {
	case ResponseNone:
		// Nothing to deliver or persist beyond the rationale.

	case ResponseText, ResponseKeyboard:
		if err := x.transport.SendTyping(ctx, chatID); err != nil {
			x.log.Debug().Err(err).Str("chat", chatID).Msg("typing indicator failed")
		}
		opts := &transport.SendOptions{ReplyTo: r.ReplyTo, InlineButtons: r.Buttons, Keyboard: r.Keyboard}
		msgID, err := x.transport.SendText(ctx, chatID, r.Text, opts)
		if err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		sentAt := at()
		body, err := crypto.Seal([]byte(r.Text), key)
		if err != nil {
			return err
		}
		if err := x.store.Events().Append(ctx, &model.Event{
			EventKey:      model.EventKeyFor(chatID, msgID, model.EventMessage, sentAt),
			ChatID:        chatID,
			SessionKey:    sessionKey,
			MessageID:     msgID,
			Kind:          model.EventMessage,
			Sender:        model.SenderBot,
			EncryptedBody: body,
			CreatedAt:     sentAt,
		}); err != nil {
			return err
		}
		if err := x.store.Sessions().RecordBotEvent(ctx, sessionKey, sentAt, true); err != nil {
			return err
		}

	case ResponseReaction:
		if err := x.transport.SetReaction(ctx, chatID, r.ReactTo, r.Reaction); err != nil {
			return fmt.Errorf("set reaction: %w", err)
		}
		sentAt := at()
		body, err := crypto.Seal([]byte(r.Reaction), key)
		if err != nil {
			return err
		}
		if err := x.store.Events().Append(ctx, &model.Event{
			EventKey:      model.EventKeyFor(chatID, r.ReactTo, model.EventReaction, sentAt),
			ChatID:        chatID,
			SessionKey:    sessionKey,
			MessageID:     r.ReactTo,
			Kind:          model.EventReaction,
			Sender:        model.SenderBot,
			EncryptedBody: body,
			ReactsTo:      r.ReactTo,
			CreatedAt:     sentAt,
		}); err != nil {
			return err
		}
		if err := x.store.Sessions().RecordBotEvent(ctx, sessionKey, sentAt, false); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: response kind %q", model.ErrValidation, r.Kind)
	}

	return x.persistRationale(ctx, chatID, sessionKey, r, key, at)
}

// responseRationale is the sealed payload of a response-rationale artifact.
type responseRationale struct {
	Kind      ResponseKind `json:"kind"`
	Rationale string       `json:"rationale"`
}

func (x *executor) persistRationale(ctx context.Context, chatID, sessionKey string, r *Response, key *crypto.Key, at timeFunc) error {
	if r.Rationale == "" {
		return nil
	}
	raw, err := json.Marshal(responseRationale{Kind: r.Kind, Rationale: r.Rationale})
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(raw, key)
	if err != nil {
		return err
	}
	return x.store.Artifacts().Upsert(ctx, &model.ContextArtifact{
		ArtifactKey:      model.ArtifactKeyFor(chatID, model.ArtifactResponseRationale, sealed),
		ChatID:           chatID,
		SessionKey:       sessionKey,
		Type:             model.ArtifactResponseRationale,
		EncryptedContent: sealed,
		CreatedAt:        at(),
	})
}
