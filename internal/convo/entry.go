// Package convo is the conversation orchestration core: the per-chat turn
// loop, context assembly, guided-flow selection, response restriction policy,
// and session compression. It owns no durable state; everything persistent
// lives behind the store interfaces and is mutated only through them.
package convo

import (
	"time"

	"github.com/havenlabs/haven/internal/model"
)

// EntryKind distinguishes the sources merged into an assembled history.
type EntryKind string

const (
	EntryMessage  EntryKind = "message"
	EntryReaction EntryKind = "reaction"
	EntryArtifact EntryKind = "artifact"
)

// Entry is one element of the ordered history handed to the response step.
// Bodies are plaintext here; decryption happens during assembly and never
// leaves the process.
type Entry struct {
	At     time.Time
	Kind   EntryKind
	Sender model.Sender
	Body   string

	// Message/reaction fields.
	MessageID string
	ReactsTo  string
	MimeType  string

	// Artifact fields.
	Artifact    model.ArtifactType
	Personality model.Personality
}

// IsBotMessage reports whether the entry is a message the bot itself sent.
func (e Entry) IsBotMessage() bool {
	return e.Kind == EntryMessage && e.Sender == model.SenderBot
}

// IsPersonalitySwitch reports whether the entry records a personality change.
func (e Entry) IsPersonalitySwitch() bool {
	return e.Kind == EntryArtifact && e.Artifact == model.ArtifactPersonalityChoice
}
