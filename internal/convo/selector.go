package convo

import (
	"math/rand"
	"time"

	"github.com/havenlabs/haven/internal/model"
)

// explorationWeight biases the default-personality draw for brand-new
// conversations toward exploration (60/40 over anchoring).
const explorationWeight = 0.6

// Selector decides whether a guided flow governs the current turn and which
// personality free chat runs under.
type Selector struct {
	// draw returns a uniform sample in [0,1); overridable in tests.
	draw func() float64
}

func NewSelector() *Selector {
	return &Selector{draw: rand.Float64}
}

// Selection is the outcome of flow selection for one turn.
type Selection struct {
	// Flow is the single governing flow, or nil for free chat.
	Flow *model.GuidedFlow
	// Expired lists active flows that aged out; the caller inactivates them.
	Expired []*model.GuidedFlow
}

// Select picks at most one governing flow from the chat's active flows.
// Journaling outranks onboarding; expired flows never govern and are
// reported for inactivation instead.
func (s *Selector) Select(flows []*model.GuidedFlow, now time.Time) Selection {
	var sel Selection
	live := make(map[model.FlowType]*model.GuidedFlow, len(flows))
	for _, f := range flows {
		if !f.IsActive() {
			continue
		}
		if f.ExpiredAt(now) {
			sel.Expired = append(sel.Expired, f)
			continue
		}
		live[f.Type] = f
	}
	if f, ok := live[model.FlowJournaling]; ok {
		sel.Flow = f
	} else if f, ok := live[model.FlowOnboarding]; ok {
		sel.Flow = f
	}
	return sel
}

// Personality resolves the free-chat personality: the most recent recorded
// choice when one exists, otherwise a weighted draw between the two defaults.
func (s *Selector) Personality(latest model.Personality) model.Personality {
	if latest != "" {
		return latest
	}
	if s.draw() < explorationWeight {
		return model.PersonalityExploration
	}
	return model.PersonalityAnchoring
}
