package store

import (
	"context"
	"time"

	"github.com/havenlabs/haven/internal/model"
)

// Store exposes persistence operations required by the orchestration core.
// Implementations live under internal/store/<driver>/ (postgres, sqlite).
// All writes to encrypted fields take ciphertext only; drivers invalidate
// the shared field cache for the owning record before a write returns.
type Store interface {
	Chats() Chats
	Sessions() Sessions
	GuidedFlows() GuidedFlows
	Events() Events
	Artifacts() Artifacts
	Notifications() Notifications

	// HealthPing verifies backend connectivity for the ops surface.
	HealthPing(ctx context.Context) error
}

type Chats interface {
	// Create inserts a chat row. Existing rows keep their encrypted key.
	Create(ctx context.Context, c *model.Chat) (*model.Chat, error)
	Get(ctx context.Context, chatID string) (*model.Chat, error)
}

type Sessions interface {
	// GetActive returns the one open session for the chat, or ErrNotFound.
	GetActive(ctx context.Context, chatID string) (*model.Session, error)
	Get(ctx context.Context, sessionKey string) (*model.Session, error)
	Create(ctx context.Context, chatID string, at time.Time) (*model.Session, error)

	// RecordUserEvent and RecordBotEvent only advance activity/message
	// timestamps forward in time; an event older than the stored value is a
	// no-op, which protects against out-of-order delivery. The message count
	// increments only for user-authored messages.
	RecordUserEvent(ctx context.Context, sessionKey string, at time.Time, countsAsMessage bool) error
	RecordBotEvent(ctx context.Context, sessionKey string, at time.Time, countsAsMessage bool) error

	// Close stamps the end of the window and finalizes the message count by
	// recounting persisted user messages in the window rather than trusting
	// the running counter.
	Close(ctx context.Context, sessionKey string, at time.Time) error
}

// FlowFilter narrows GuidedFlows.List. Zero values match everything.
type FlowFilter struct {
	SessionKey string
	Type       model.FlowType
	State      model.FlowState
}

type GuidedFlows interface {
	List(ctx context.Context, chatID string, f FlowFilter) ([]*model.GuidedFlow, error)
	Get(ctx context.Context, flowKey string) (*model.GuidedFlow, error)

	// Start creates an active flow instance. If an active flow of the same
	// type already exists for the chat it is returned unchanged; duplicates
	// are never created.
	Start(ctx context.Context, chatID, sessionKey string, t model.FlowType, at time.Time) (*model.GuidedFlow, error)

	// Complete moves active→complete and stamps the completion time.
	// Inactivate moves active→incomplete. Any transition out of another
	// state fails with ErrInvalidState.
	Complete(ctx context.Context, flowKey string, at time.Time) error
	Inactivate(ctx context.Context, flowKey string, at time.Time) error

	// SetMetadata replaces the flow's encrypted progress blob.
	SetMetadata(ctx context.Context, flowKey string, encrypted string, at time.Time) error
}

// ListEventsRequest captures filters for raw history reads. Until is
// inclusive so a turn sees a stable, replayable view of the session at its
// reference timestamp.
type ListEventsRequest struct {
	SessionKey string
	From       *time.Time
	Until      *time.Time
}

type Events interface {
	Append(ctx context.Context, e *model.Event) error
	List(ctx context.Context, req ListEventsRequest) ([]*model.Event, error)
	GetByMessageID(ctx context.Context, chatID, messageID string) (*model.Event, error)
	CountUserMessages(ctx context.Context, sessionKey string, until time.Time) (int, error)

	// PurgeClosedSessions deletes raw history rows of sessions that ended
	// before the cutoff. Summary artifacts survive; only the encrypted
	// event rows age out. Returns the number of rows removed.
	PurgeClosedSessions(ctx context.Context, endedBefore time.Time) (int64, error)
}

// ListArtifactsRequest captures filters for context artifact reads.
type ListArtifactsRequest struct {
	ChatID     string
	Type       model.ArtifactType
	SessionKey string
	From       *time.Time
	Until      *time.Time
}

type Artifacts interface {
	// Upsert is idempotent on the artifact's natural key.
	Upsert(ctx context.Context, a *model.ContextArtifact) error
	List(ctx context.Context, req ListArtifactsRequest) ([]*model.ContextArtifact, error)
}

type Notifications interface {
	Enqueue(ctx context.Context, n *model.Notification) error
	// NextPending returns the oldest pending notification for the chat, or
	// nil when the queue is empty.
	NextPending(ctx context.Context, chatID string) (*model.Notification, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) error
}
