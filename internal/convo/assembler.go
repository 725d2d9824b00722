package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

// summaryWindow bounds how far back session summaries from earlier windows
// are still fed into free-chat context.
const summaryWindow = 24 * time.Hour

// Assembler builds the ordered history for one generation attempt. Guided
// flows get a clean, flow-scoped view; free chat additionally sees recent
// summaries and the current session's artifacts.
type Assembler struct {
	store store.Store
	keys  *keyring.Keyring
	cache *fieldcache.Cache
}

func NewAssembler(s store.Store, keys *keyring.Keyring, cache *fieldcache.Cache) *Assembler {
	return &Assembler{store: s, keys: keys, cache: cache}
}

// Assembly is the assembled view of a chat at a turn's reference timestamp.
type Assembly struct {
	Entries []Entry
	// Personality is the most recent recorded personality choice in the
	// retained window, empty when none exists.
	Personality model.Personality
	// Instructions are ancillary notes for the response step, e.g. that the
	// user sent an attachment of a type the bot cannot read.
	Instructions []string
}

// Assemble builds the history up to refTS. Events created after refTS are
// excluded so one job invocation sees a stable, replayable view even while
// new messages arrive concurrently.
func (a *Assembler) Assemble(ctx context.Context, chatID string, session *model.Session, flow *model.GuidedFlow, refTS time.Time) (*Assembly, error) {
	key, err := a.keys.ChatKey(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var out Assembly

	if flow == nil {
		arts, err := a.contextArtifacts(ctx, chatID, session.SessionKey, refTS)
		if err != nil {
			return nil, err
		}
		for _, art := range arts {
			entry, err := a.artifactEntry(art, key)
			if err != nil {
				return nil, err
			}
			out.Entries = append(out.Entries, entry)
		}
	}

	req := store.ListEventsRequest{SessionKey: session.SessionKey, Until: &refTS}
	if flow != nil {
		// Flow-scoped history starts at the flow itself.
		from := flow.StartedAt
		req.From = &from
	}
	events, err := a.store.Events().List(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		entry, err := eventEntry(a.cache, key, ev)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, entry)
	}

	sort.SliceStable(out.Entries, func(i, j int) bool {
		return out.Entries[i].At.Before(out.Entries[j].At)
	})

	for i := len(out.Entries) - 1; i >= 0; i-- {
		if e := out.Entries[i]; e.IsPersonalitySwitch() {
			out.Personality = e.Personality
			break
		}
	}

	// Only the latest user message can carry the unsupported-media note.
	for i := len(out.Entries) - 1; i >= 0; i-- {
		e := out.Entries[i]
		if e.Kind != EntryMessage || e.Sender != model.SenderUser {
			continue
		}
		if e.MimeType != "" {
			out.Instructions = append(out.Instructions, fmt.Sprintf(
				"The user sent an attachment of unsupported type %q; acknowledge it without claiming to have read it.", e.MimeType))
		}
		break
	}

	return &out, nil
}

// contextArtifacts gathers the artifacts free chat sees: session summaries
// from the last 24 hours plus everything tied to the current session,
// deduplicated by artifact key.
func (a *Assembler) contextArtifacts(ctx context.Context, chatID, sessionKey string, refTS time.Time) ([]*model.ContextArtifact, error) {
	from := refTS.Add(-summaryWindow)
	summaries, err := a.store.Artifacts().List(ctx, store.ListArtifactsRequest{
		ChatID: chatID,
		Type:   model.ArtifactSessionSummary,
		From:   &from,
	})
	if err != nil {
		return nil, err
	}
	current, err := a.store.Artifacts().List(ctx, store.ListArtifactsRequest{
		ChatID:     chatID,
		SessionKey: sessionKey,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(summaries)+len(current))
	out := make([]*model.ContextArtifact, 0, len(summaries)+len(current))
	for _, art := range append(summaries, current...) {
		if _, ok := seen[art.ArtifactKey]; ok {
			continue
		}
		seen[art.ArtifactKey] = struct{}{}
		out = append(out, art)
	}
	return out, nil
}

// personalityChoice is the sealed payload of a personality-choice artifact.
type personalityChoice struct {
	Personality model.Personality `json:"personality"`
	Rationale   string            `json:"rationale,omitempty"`
}

func (a *Assembler) artifactEntry(art *model.ContextArtifact, key *crypto.Key) (Entry, error) {
	plain, err := a.cache.GetOrFill(art.ArtifactKey, func() ([]byte, error) {
		return crypto.Open(art.EncryptedContent, art.ArtifactKey, key)
	})
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		At:       art.CreatedAt,
		Kind:     EntryArtifact,
		Artifact: art.Type,
		Body:     string(plain),
	}
	if art.Type == model.ArtifactPersonalityChoice {
		var pc personalityChoice
		if err := json.Unmarshal(plain, &pc); err != nil {
			return Entry{}, &model.DecryptError{RecordKey: art.ArtifactKey, Cause: err}
		}
		entry.Personality = pc.Personality
	}
	return entry, nil
}

// eventEntry decrypts one raw history row through the shared field cache.
func eventEntry(cache *fieldcache.Cache, key *crypto.Key, ev *model.Event) (Entry, error) {
	plain, err := cache.GetOrFill(ev.EventKey, func() ([]byte, error) {
		return crypto.Open(ev.EncryptedBody, ev.EventKey, key)
	})
	if err != nil {
		return Entry{}, err
	}
	kind := EntryMessage
	if ev.Kind == model.EventReaction {
		kind = EntryReaction
	}
	return Entry{
		At:        ev.CreatedAt,
		Kind:      kind,
		Sender:    ev.Sender,
		Body:      string(plain),
		MessageID: ev.MessageID,
		ReactsTo:  ev.ReactsTo,
		MimeType:  ev.MimeType,
	}, nil
}
