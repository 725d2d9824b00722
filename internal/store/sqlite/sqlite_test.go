package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, fieldcache.New(0, 0))
}

func seedChat(t *testing.T, s store.Store, chatID string) {
	t.Helper()
	_, err := s.Chats().Create(context.Background(), &model.Chat{
		ChatID:       chatID,
		EncryptedKey: "wrapped-key",
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := s.Sessions().GetActive(ctx, "42")
	assert.ErrorIs(t, err, model.ErrNotFound)

	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)
	assert.Equal(t, model.SessionKeyFor("42", start), sess.SessionKey)
	assert.Nil(t, sess.EndedAt)

	got, err := s.Sessions().GetActive(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionKey, got.SessionKey)

	// A second open window for the same chat violates the invariant.
	_, err = s.Sessions().Create(ctx, "42", start.Add(time.Minute))
	assert.Error(t, err)

	require.NoError(t, s.Sessions().Close(ctx, sess.SessionKey, start.Add(time.Hour)))
	_, err = s.Sessions().GetActive(ctx, "42")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Closing twice is not an open-session update anymore.
	err = s.Sessions().Close(ctx, sess.SessionKey, start.Add(2*time.Hour))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecordEventsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)

	t1 := start.Add(5 * time.Minute)
	require.NoError(t, s.Sessions().RecordUserEvent(ctx, sess.SessionKey, t1, true))

	// An out-of-order event with an earlier timestamp is a no-op.
	t0 := start.Add(1 * time.Minute)
	require.NoError(t, s.Sessions().RecordUserEvent(ctx, sess.SessionKey, t0, true))

	got, err := s.Sessions().Get(ctx, sess.SessionKey)
	require.NoError(t, err)
	require.NotNil(t, got.LastUserActivity)
	assert.True(t, got.LastUserActivity.Equal(t1))
	require.NotNil(t, got.LastUserMessage)
	assert.True(t, got.LastUserMessage.Equal(t1))
	assert.Equal(t, 1, got.MessageCount)

	// Reactions advance activity but never the message fields or the count.
	t2 := start.Add(10 * time.Minute)
	require.NoError(t, s.Sessions().RecordUserEvent(ctx, sess.SessionKey, t2, false))
	got, err = s.Sessions().Get(ctx, sess.SessionKey)
	require.NoError(t, err)
	assert.True(t, got.LastUserActivity.Equal(t2))
	assert.True(t, got.LastUserMessage.Equal(t1))
	assert.Equal(t, 1, got.MessageCount)

	// Bot events never touch the message count.
	t3 := start.Add(11 * time.Minute)
	require.NoError(t, s.Sessions().RecordBotEvent(ctx, sess.SessionKey, t3, true))
	got, err = s.Sessions().Get(ctx, sess.SessionKey)
	require.NoError(t, err)
	assert.True(t, got.LastBotMessage.Equal(t3))
	assert.Equal(t, 1, got.MessageCount)
}

func TestCloseRecountsPersistedMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)

	// Three persisted user messages, but the running counter only saw one.
	for i, kind := range []model.EventKind{model.EventMessage, model.EventMessage, model.EventMessage} {
		at := start.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, s.Events().Append(ctx, &model.Event{
			EventKey:      model.EventKeyFor("42", "m"+string(rune('1'+i)), kind, at),
			ChatID:        "42",
			SessionKey:    sess.SessionKey,
			MessageID:     "m" + string(rune('1'+i)),
			Kind:          kind,
			Sender:        model.SenderUser,
			EncryptedBody: "tok",
			CreatedAt:     at,
		}))
	}
	require.NoError(t, s.Sessions().RecordUserEvent(ctx, sess.SessionKey, start.Add(time.Minute), true))

	require.NoError(t, s.Sessions().Close(ctx, sess.SessionKey, start.Add(time.Hour)))
	got, err := s.Sessions().Get(ctx, sess.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MessageCount, "close must recount, not trust the counter")
	require.NotNil(t, got.EndedAt)
}

func TestGuidedFlowStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)

	f1, err := s.GuidedFlows().Start(ctx, "42", sess.SessionKey, model.FlowOnboarding, start)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStateActive, f1.State)

	f2, err := s.GuidedFlows().Start(ctx, "42", sess.SessionKey, model.FlowOnboarding, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, f1.FlowKey, f2.FlowKey, "no duplicate active flow of the same type")

	// A different type does start independently.
	f3, err := s.GuidedFlows().Start(ctx, "42", sess.SessionKey, model.FlowJournaling, start.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, f1.FlowKey, f3.FlowKey)
}

func TestGuidedFlowTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)

	flow, err := s.GuidedFlows().Start(ctx, "42", sess.SessionKey, model.FlowJournaling, start)
	require.NoError(t, err)

	done := start.Add(20 * time.Minute)
	require.NoError(t, s.GuidedFlows().Complete(ctx, flow.FlowKey, done))

	got, err := s.GuidedFlows().Get(ctx, flow.FlowKey)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStateComplete, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))

	// No transition is defined out of complete.
	err = s.GuidedFlows().Inactivate(ctx, flow.FlowKey, done.Add(time.Minute))
	assert.ErrorIs(t, err, model.ErrInvalidState)
	err = s.GuidedFlows().Complete(ctx, flow.FlowKey, done.Add(time.Minute))
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestGuidedFlowInactivate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)

	flow, err := s.GuidedFlows().Start(ctx, "42", sess.SessionKey, model.FlowOnboarding, start)
	require.NoError(t, err)
	require.NoError(t, s.GuidedFlows().Inactivate(ctx, flow.FlowKey, start.Add(time.Minute)))

	got, err := s.GuidedFlows().Get(ctx, flow.FlowKey)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStateIncomplete, got.State)
	assert.Nil(t, got.CompletedAt)
}

func TestArtifactUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	art := &model.ContextArtifact{
		ArtifactKey:      model.ArtifactKeyFor("42", model.ArtifactSessionSummary, "cipher"),
		ChatID:           "42",
		SessionKey:       "sess-1",
		Type:             model.ArtifactSessionSummary,
		EncryptedContent: "cipher",
		CreatedAt:        at,
	}
	require.NoError(t, s.Artifacts().Upsert(ctx, art))
	require.NoError(t, s.Artifacts().Upsert(ctx, art))

	got, err := s.Artifacts().List(ctx, store.ListArtifactsRequest{ChatID: "42", Type: model.ArtifactSessionSummary})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cipher", got[0].EncryptedContent)
}

func TestEventsListRespectsUntil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, err := s.Sessions().Create(ctx, "42", start)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Events().Append(ctx, &model.Event{
			EventKey:      model.EventKeyFor("42", "m", model.EventMessage, at),
			ChatID:        "42",
			SessionKey:    sess.SessionKey,
			MessageID:     "m",
			Kind:          model.EventMessage,
			Sender:        model.SenderUser,
			EncryptedBody: "tok",
			CreatedAt:     at,
		}))
	}

	until := start.Add(time.Minute)
	got, err := s.Events().List(ctx, store.ListEventsRequest{SessionKey: sess.SessionKey, Until: &until})
	require.NoError(t, err)
	assert.Len(t, got, 2, "until is inclusive")
}

func TestPurgeClosedSessionsAgesOutOldHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")
	seedChat(t, s, "43")

	appendEvent := func(chatID, sessionKey, msgID string, at time.Time) {
		t.Helper()
		require.NoError(t, s.Events().Append(ctx, &model.Event{
			EventKey:      model.EventKeyFor(chatID, msgID, model.EventMessage, at),
			ChatID:        chatID,
			SessionKey:    sessionKey,
			MessageID:     msgID,
			Kind:          model.EventMessage,
			Sender:        model.SenderUser,
			EncryptedBody: "tok",
			CreatedAt:     at,
		}))
	}

	// Session closed well before the cutoff: its history must go.
	oldStart := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	old, err := s.Sessions().Create(ctx, "42", oldStart)
	require.NoError(t, err)
	appendEvent("42", old.SessionKey, "m1", oldStart)
	require.NoError(t, s.Sessions().Close(ctx, old.SessionKey, oldStart.Add(time.Hour)))

	// Session closed after the cutoff: kept.
	recentStart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	recent, err := s.Sessions().Create(ctx, "42", recentStart)
	require.NoError(t, err)
	appendEvent("42", recent.SessionKey, "m2", recentStart)
	require.NoError(t, s.Sessions().Close(ctx, recent.SessionKey, recentStart.Add(time.Hour)))

	// Still-open session on another chat: kept regardless of age.
	open, err := s.Sessions().Create(ctx, "43", oldStart)
	require.NoError(t, err)
	appendEvent("43", open.SessionKey, "m3", oldStart)

	// Summary artifact of the old session survives the purge.
	require.NoError(t, s.Artifacts().Upsert(ctx, &model.ContextArtifact{
		ArtifactKey:      model.ArtifactKeyFor("42", model.ArtifactSessionSummary, "cipher"),
		ChatID:           "42",
		SessionKey:       old.SessionKey,
		Type:             model.ArtifactSessionSummary,
		EncryptedContent: "cipher",
		CreatedAt:        oldStart,
	}))

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.Events().PurgeClosedSessions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := s.Events().List(ctx, store.ListEventsRequest{SessionKey: old.SessionKey})
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := s.Events().List(ctx, store.ListEventsRequest{SessionKey: recent.SessionKey})
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	stillOpen, err := s.Events().List(ctx, store.ListEventsRequest{SessionKey: open.SessionKey})
	require.NoError(t, err)
	assert.Len(t, stillOpen, 1)

	arts, err := s.Artifacts().List(ctx, store.ListArtifactsRequest{ChatID: "42", Type: model.ArtifactSessionSummary})
	require.NoError(t, err)
	assert.Len(t, arts, 1, "summaries outlive the raw history")

	// Second run finds nothing left to remove.
	n, err = s.Events().PurgeClosedSessions(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotificationsQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedChat(t, s, "42")

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := s.Notifications().NextPending(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Notifications().Enqueue(ctx, &model.Notification{
		ID: "n1", ChatID: "42", Content: "weekly check-in", CreatedAt: at,
	}))
	require.NoError(t, s.Notifications().Enqueue(ctx, &model.Notification{
		ID: "n2", ChatID: "42", Content: "later", CreatedAt: at.Add(time.Minute),
	}))

	got, err = s.Notifications().NextPending(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "n1", got.ID, "oldest pending first")

	require.NoError(t, s.Notifications().MarkCompleted(ctx, "n1", at.Add(time.Hour)))
	got, err = s.Notifications().NextPending(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "n2", got.ID)
}
