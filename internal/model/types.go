package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Chat maps a transport-level chat to its encryption key. EncryptedKey holds
// the chat's symmetric key wrapped under the process root key; plaintext keys
// never touch storage.
type Chat struct {
	ChatID       string    `json:"chatId"`
	EncryptedKey string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChatKey derives the stable record key for a chat row.
func ChatKey(chatID string) string {
	return hashKey(fmt.Sprintf("chat:%s", chatID))
}

// Session is one bounded window of conversational activity for a chat.
// At most one session per chat has a nil EndedAt.
type Session struct {
	SessionKey       string     `json:"sessionKey"`
	ChatID           string     `json:"chatId"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	LastUserMessage  *time.Time `json:"lastUserMessage,omitempty"`
	LastUserActivity *time.Time `json:"lastUserActivity,omitempty"`
	LastBotMessage   *time.Time `json:"lastBotMessage,omitempty"`
	LastBotActivity  *time.Time `json:"lastBotActivity,omitempty"`
	MessageCount     int        `json:"messageCount"`
}

// SessionKeyFor derives the stable session key from chat id and window start.
func SessionKeyFor(chatID string, startedAt time.Time) string {
	return hashKey(fmt.Sprintf("session:%s:%s", chatID, startedAt.UTC().Format(time.RFC3339Nano)))
}

// HasBotResponded reports whether the bot already holds the last word for
// this session. A session with no user activity yet counts as responded.
func (s *Session) HasBotResponded() bool {
	if s.LastUserActivity == nil {
		return true
	}
	if s.LastBotActivity == nil {
		return false
	}
	return s.LastBotActivity.After(*s.LastUserActivity)
}

// InactiveSince returns the reference point for inactivity checks: the later
// of the last user activity and the session start.
func (s *Session) InactiveSince() time.Time {
	if s.LastUserActivity != nil && s.LastUserActivity.After(s.StartedAt) {
		return *s.LastUserActivity
	}
	return s.StartedAt
}

// IsOpen reports whether the session window is still open.
func (s *Session) IsOpen() bool { return s.EndedAt == nil }

// FlowType identifies a guided sub-flow layered over free chat.
type FlowType string

const (
	FlowOnboarding FlowType = "onboarding"
	FlowJournaling FlowType = "journaling"
)

// FlowTypes lists all valid guided flow types.
func FlowTypes() []FlowType {
	return []FlowType{FlowOnboarding, FlowJournaling}
}

// ParseFlowType converts a stored string into a FlowType.
func ParseFlowType(s string) (FlowType, error) {
	switch FlowType(s) {
	case FlowOnboarding, FlowJournaling:
		return FlowType(s), nil
	}
	return "", &InvalidFlowTypeError{Value: s}
}

// FlowState is the lifecycle state of a guided flow.
type FlowState string

const (
	FlowStateIncomplete FlowState = "incomplete"
	FlowStateActive     FlowState = "active"
	FlowStateComplete   FlowState = "complete"
)

// FlowStates lists all valid guided flow states.
func FlowStates() []FlowState {
	return []FlowState{FlowStateIncomplete, FlowStateActive, FlowStateComplete}
}

// ParseFlowState converts a stored string into a FlowState.
func ParseFlowState(s string) (FlowState, error) {
	switch FlowState(s) {
	case FlowStateIncomplete, FlowStateActive, FlowStateComplete:
		return FlowState(s), nil
	}
	return "", &InvalidFlowStateError{Value: s}
}

// flowExpiry is the fixed window after which an active flow no longer
// governs a turn. The boundary is exclusive: a flow aged exactly one hour is
// not expired.
const flowExpiry = time.Hour

// GuidedFlow is one instance of a guided sub-flow (onboarding, journaling).
// EncryptedMetadata is opaque to every component except the owning chat's
// key holder.
type GuidedFlow struct {
	FlowKey           string     `json:"flowKey"`
	ChatID            string     `json:"chatId"`
	SessionKey        string     `json:"sessionKey"`
	Type              FlowType   `json:"type"`
	State             FlowState  `json:"state"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	EncryptedMetadata string     `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// FlowKeyFor derives the stable flow key from type, owning session, and start.
func FlowKeyFor(t FlowType, sessionKey string, startedAt time.Time) string {
	return hashKey(fmt.Sprintf("%s:%s:%s", t, sessionKey, startedAt.UTC().Format(time.RFC3339Nano)))
}

// IsActive reports whether the flow is in the active state.
func (f *GuidedFlow) IsActive() bool { return f.State == FlowStateActive }

// ExpiredAt reports whether the flow is expired at the given instant.
// Expiry is a derived predicate, never a stored state: only active flows
// expire, and only strictly after one hour.
func (f *GuidedFlow) ExpiredAt(now time.Time) bool {
	if f.State != FlowStateActive {
		return false
	}
	return now.Sub(f.StartedAt) > flowExpiry
}

// ArtifactType classifies encrypted context artifacts.
type ArtifactType string

const (
	ArtifactSessionSummary    ArtifactType = "session-summary"
	ArtifactPersonalityChoice ArtifactType = "personality-choice"
	ArtifactResponseRationale ArtifactType = "response-rationale"
	ArtifactMetadataChange    ArtifactType = "metadata-change"
)

// ArtifactTypes lists all valid context artifact types.
func ArtifactTypes() []ArtifactType {
	return []ArtifactType{
		ArtifactSessionSummary,
		ArtifactPersonalityChoice,
		ArtifactResponseRationale,
		ArtifactMetadataChange,
	}
}

// ParseArtifactType converts a stored string into an ArtifactType.
func ParseArtifactType(s string) (ArtifactType, error) {
	switch ArtifactType(s) {
	case ArtifactSessionSummary, ArtifactPersonalityChoice, ArtifactResponseRationale, ArtifactMetadataChange:
		return ArtifactType(s), nil
	}
	return "", &InvalidArtifactTypeError{Value: s}
}

// ContextArtifact is an encrypted, typed note attached to a chat and
// optionally a session. Immutable once written; the natural key makes
// re-writes idempotent upserts.
type ContextArtifact struct {
	ArtifactKey      string       `json:"artifactKey"`
	ChatID           string       `json:"chatId"`
	SessionKey       string       `json:"sessionKey,omitempty"`
	Type             ArtifactType `json:"type"`
	EncryptedContent string       `json:"-"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// ArtifactKeyFor derives the natural key for an artifact from chat id, type,
// and the hash of the ciphertext it carries.
func ArtifactKeyFor(chatID string, t ArtifactType, encryptedContent string) string {
	contentHash := hashKey(encryptedContent)
	return hashKey(fmt.Sprintf("context:%s:%s:%s", chatID, t, contentHash))
}

// Sender distinguishes who produced an event.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// EventKind distinguishes messages from reaction updates.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventReaction EventKind = "reaction"
)

// Event is one row of raw in-session history: a message or a reaction,
// body encrypted under the chat key.
type Event struct {
	EventKey      string    `json:"eventKey"`
	ChatID        string    `json:"chatId"`
	SessionKey    string    `json:"sessionKey"`
	MessageID     string    `json:"messageId"`
	Kind          EventKind `json:"kind"`
	Sender        Sender    `json:"sender"`
	EncryptedBody string    `json:"-"`
	ReactsTo      string    `json:"reactsTo,omitempty"`
	// MimeType is set when the event carried an attachment; used to build
	// the unsupported-media instruction for the response step.
	MimeType  string    `json:"mimeType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventKeyFor derives the stable record key for an event row.
func EventKeyFor(chatID, messageID string, kind EventKind, at time.Time) string {
	return hashKey(fmt.Sprintf("event:%s:%s:%s:%s", chatID, messageID, kind, at.UTC().Format(time.RFC3339Nano)))
}

// NotificationStatus is the delivery state of an out-of-band notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationCompleted NotificationStatus = "completed"
)

// Notification is a queued out-of-band message that must still be
// deliverable as text on its chat's next turn.
type Notification struct {
	ID        string             `json:"id"`
	ChatID    string             `json:"chatId"`
	Content   string             `json:"content"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Personality identifies a response persona. Two of them serve as the
// defaults new conversations are drawn from.
type Personality string

const (
	PersonalityExploration   Personality = "exploration"
	PersonalityAnchoring     Personality = "anchoring"
	PersonalityCelebration   Personality = "celebration"
	PersonalityCompanionship Personality = "companionship"
	PersonalityWitnessing    Personality = "witnessing"
)

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
