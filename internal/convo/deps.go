package convo

import (
	"context"

	"github.com/havenlabs/haven/internal/model"
)

// BundleKind tags the dependency bundle a turn is generated under. Dispatch
// on it is an explicit switch, never type inspection.
type BundleKind string

const (
	BundleFreeChat   BundleKind = "free-chat"
	BundleOnboarding BundleKind = "onboarding"
	BundleJournaling BundleKind = "journaling"
)

// Bundle carries everything the response step needs besides the history
// itself. Exactly one variant applies: free chat carries a personality,
// guided variants carry the governing flow.
type Bundle struct {
	Kind       BundleKind
	ChatID     string
	SessionKey string

	// Personality governs free-chat turns; empty for guided variants.
	Personality model.Personality
	// Flow is the governing guided flow; nil for free chat.
	Flow *model.GuidedFlow

	Restrictions RestrictionSet
	Notification *model.Notification
	Instructions []string
}

func bundleKindFor(flow *model.GuidedFlow) BundleKind {
	if flow == nil {
		return BundleFreeChat
	}
	switch flow.Type {
	case model.FlowJournaling:
		return BundleJournaling
	default:
		return BundleOnboarding
	}
}

// TurnInput is the transient per-turn package handed to the response step:
// ordered history plus the dependency bundle. Never persisted.
type TurnInput struct {
	Entries []Entry
	Bundle  Bundle
}

// Responder is the external response-generation step. Given a turn input it
// returns exactly one tagged response variant.
type Responder interface {
	Respond(ctx context.Context, in *TurnInput) (*Response, error)
}

// Summarizer is the external summarization step used by the compressor.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// Jobs schedules one-off follow-up work outside the turn loop.
type Jobs interface {
	ScheduleEvaluation(chatID, sessionKey string)
}
