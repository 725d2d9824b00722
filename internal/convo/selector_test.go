package convo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/havenlabs/haven/internal/model"
)

func activeFlow(t model.FlowType, startedAt time.Time) *model.GuidedFlow {
	return &model.GuidedFlow{
		FlowKey:   model.FlowKeyFor(t, "sess", startedAt),
		Type:      t,
		State:     model.FlowStateActive,
		StartedAt: startedAt,
	}
}

func TestSelectPrefersJournalingOverOnboarding(t *testing.T) {
	now := time.Now()
	s := NewSelector()
	sel := s.Select([]*model.GuidedFlow{
		activeFlow(model.FlowOnboarding, now.Add(-time.Minute)),
		activeFlow(model.FlowJournaling, now.Add(-time.Minute)),
	}, now)
	assert.NotNil(t, sel.Flow)
	assert.Equal(t, model.FlowJournaling, sel.Flow.Type)
	assert.Empty(t, sel.Expired)
}

func TestSelectSkipsAndReportsExpiredFlows(t *testing.T) {
	now := time.Now()
	s := NewSelector()
	old := activeFlow(model.FlowJournaling, now.Add(-2*time.Hour))
	fresh := activeFlow(model.FlowOnboarding, now.Add(-time.Minute))

	sel := s.Select([]*model.GuidedFlow{old, fresh}, now)
	assert.Equal(t, model.FlowOnboarding, sel.Flow.Type)
	assert.Equal(t, []*model.GuidedFlow{old}, sel.Expired)
}

func TestSelectIgnoresTerminalFlows(t *testing.T) {
	now := time.Now()
	s := NewSelector()
	done := activeFlow(model.FlowJournaling, now.Add(-time.Minute))
	done.State = model.FlowStateComplete

	sel := s.Select([]*model.GuidedFlow{done}, now)
	assert.Nil(t, sel.Flow)
	assert.Empty(t, sel.Expired)
}

func TestPersonalityPrefersRecordedChoice(t *testing.T) {
	s := NewSelector()
	got := s.Personality(model.PersonalityCelebration)
	assert.Equal(t, model.PersonalityCelebration, got)
}

func TestPersonalityWeightedDraw(t *testing.T) {
	s := NewSelector()

	s.draw = func() float64 { return 0.59 }
	assert.Equal(t, model.PersonalityExploration, s.Personality(""))

	s.draw = func() float64 { return 0.60 }
	assert.Equal(t, model.PersonalityAnchoring, s.Personality(""))
}
