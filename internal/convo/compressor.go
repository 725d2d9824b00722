package convo

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

// Compressor turns a session's raw history into one durable encrypted
// summary artifact, at most once per session.
type Compressor struct {
	store      store.Store
	summarizer Summarizer
	keys       *keyring.Keyring
	cache      *fieldcache.Cache
	log        zerolog.Logger
}

func NewCompressor(s store.Store, sum Summarizer, keys *keyring.Keyring, cache *fieldcache.Cache, log zerolog.Logger) *Compressor {
	return &Compressor{store: s, summarizer: sum, keys: keys, cache: cache, log: log}
}

// Compress summarizes the session's history into one session-summary
// artifact and returns the number of events it compressed. A session that
// already has a summary, or has no history at all, is a no-op returning 0.
func (c *Compressor) Compress(ctx context.Context, chatID string, session *model.Session) (int, error) {
	existing, err := c.store.Artifacts().List(ctx, store.ListArtifactsRequest{
		ChatID:     chatID,
		Type:       model.ArtifactSessionSummary,
		SessionKey: session.SessionKey,
	})
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		c.log.Debug().Str("session", session.SessionKey).Msg("summary already exists, skipping")
		return 0, nil
	}

	events, err := c.store.Events().List(ctx, store.ListEventsRequest{SessionKey: session.SessionKey})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		c.log.Info().Str("session", session.SessionKey).Msg("empty session, nothing to summarize")
		return 0, nil
	}

	key, err := c.keys.ChatKey(ctx, chatID)
	if err != nil {
		return 0, err
	}
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		entry, err := eventEntry(c.cache, key, ev)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
	}

	summary, err := c.summarizer.Summarize(ctx, entries)
	if err != nil {
		return 0, err
	}
	sealed, err := crypto.Seal([]byte(summary), key)
	if err != nil {
		return 0, err
	}
	if err := c.store.Artifacts().Upsert(ctx, &model.ContextArtifact{
		ArtifactKey:      model.ArtifactKeyFor(chatID, model.ArtifactSessionSummary, sealed),
		ChatID:           chatID,
		SessionKey:       session.SessionKey,
		Type:             model.ArtifactSessionSummary,
		EncryptedContent: sealed,
		CreatedAt:        session.InactiveSince(),
	}); err != nil {
		return 0, err
	}
	c.log.Info().Str("session", session.SessionKey).Int("events", len(events)).Msg("session compressed")
	return len(events), nil
}
