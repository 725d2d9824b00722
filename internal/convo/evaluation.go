package convo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

// Grader is the external step that judges a closed session from its summary.
type Grader interface {
	Grade(ctx context.Context, summary string) (string, error)
}

// Evaluation runs the post-close follow-up: grade the session's summary and
// persist the verdict as an encrypted artifact.
type Evaluation struct {
	store  store.Store
	keys   *keyring.Keyring
	cache  *fieldcache.Cache
	grader Grader
	log    zerolog.Logger
}

func NewEvaluation(s store.Store, keys *keyring.Keyring, cache *fieldcache.Cache, grader Grader, log zerolog.Logger) *Evaluation {
	return &Evaluation{store: s, keys: keys, cache: cache, grader: grader, log: log}
}

// sessionVerdict is the sealed payload of the evaluation artifact.
type sessionVerdict struct {
	SessionKey string `json:"sessionKey"`
	Verdict    string `json:"verdict"`
}

// EvaluateSession grades the session-summary artifact for sessionKey. A
// session without a summary is skipped with a warning; it was either empty
// or never closed through the compressor.
func (e *Evaluation) EvaluateSession(ctx context.Context, chatID, sessionKey string) error {
	summaries, err := e.store.Artifacts().List(ctx, store.ListArtifactsRequest{
		ChatID:     chatID,
		Type:       model.ArtifactSessionSummary,
		SessionKey: sessionKey,
	})
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		e.log.Warn().Str("session", sessionKey).Msg("no summary to evaluate")
		return nil
	}

	key, err := e.keys.ChatKey(ctx, chatID)
	if err != nil {
		return err
	}
	art := summaries[0]
	plain, err := e.cache.GetOrFill(art.ArtifactKey, func() ([]byte, error) {
		return crypto.Open(art.EncryptedContent, art.ArtifactKey, key)
	})
	if err != nil {
		return err
	}

	verdict, err := e.grader.Grade(ctx, string(plain))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sessionVerdict{SessionKey: sessionKey, Verdict: verdict})
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(raw, key)
	if err != nil {
		return err
	}
	if err := e.store.Artifacts().Upsert(ctx, &model.ContextArtifact{
		ArtifactKey:      model.ArtifactKeyFor(chatID, model.ArtifactMetadataChange, sealed),
		ChatID:           chatID,
		SessionKey:       sessionKey,
		Type:             model.ArtifactMetadataChange,
		EncryptedContent: sealed,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.log.Info().Str("session", sessionKey).Msg("session evaluated")
	return nil
}
