package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuidedFlowExpiryBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flow := &GuidedFlow{State: FlowStateActive, StartedAt: start}

	assert.False(t, flow.ExpiredAt(start.Add(59*time.Minute)))
	// Exactly 3600s is not expired; the boundary is exclusive.
	assert.False(t, flow.ExpiredAt(start.Add(3600*time.Second)))
	assert.True(t, flow.ExpiredAt(start.Add(3601*time.Second)))
}

func TestGuidedFlowExpiryOnlyWhileActive(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := start.Add(48 * time.Hour)

	for _, state := range []FlowState{FlowStateComplete, FlowStateIncomplete} {
		flow := &GuidedFlow{State: state, StartedAt: start}
		assert.False(t, flow.ExpiredAt(old), "state %s must never expire", state)
	}
}

func TestHasBotResponded(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Minute)

	s := &Session{StartedAt: base}
	assert.True(t, s.HasBotResponded(), "no user activity means nothing to respond to")

	s.LastUserActivity = &base
	assert.False(t, s.HasBotResponded(), "user spoke, bot has not")

	s.LastBotActivity = &later
	assert.True(t, s.HasBotResponded())

	s.LastUserActivity = &later
	assert.False(t, s.HasBotResponded(), "tie goes to the user")
}

func TestInactiveSince(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{StartedAt: start}
	assert.Equal(t, start, s.InactiveSince())

	activity := start.Add(10 * time.Minute)
	s.LastUserActivity = &activity
	assert.Equal(t, activity, s.InactiveSince())

	before := start.Add(-time.Minute)
	s.LastUserActivity = &before
	assert.Equal(t, start, s.InactiveSince(), "activity before session start never wins")
}

func TestParseFlowType(t *testing.T) {
	ft, err := ParseFlowType("journaling")
	require.NoError(t, err)
	assert.Equal(t, FlowJournaling, ft)

	_, err = ParseFlowType("mindfulness")
	var typeErr *InvalidFlowTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "mindfulness", typeErr.Value)
}

func TestParseFlowState(t *testing.T) {
	st, err := ParseFlowState("active")
	require.NoError(t, err)
	assert.Equal(t, FlowStateActive, st)

	_, err = ParseFlowState("paused")
	var stateErr *InvalidFlowStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "paused", stateErr.Value)
}

func TestParseArtifactType(t *testing.T) {
	at, err := ParseArtifactType("session-summary")
	require.NoError(t, err)
	assert.Equal(t, ArtifactSessionSummary, at)

	_, err = ParseArtifactType("profile")
	var artErr *InvalidArtifactTypeError
	require.ErrorAs(t, err, &artErr)
	assert.Equal(t, "profile", artErr.Value)
}

func TestDerivedKeysAreStable(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, SessionKeyFor("42", at), SessionKeyFor("42", at))
	assert.NotEqual(t, SessionKeyFor("42", at), SessionKeyFor("43", at))
	assert.NotEqual(t, SessionKeyFor("42", at), SessionKeyFor("42", at.Add(time.Second)))

	assert.Equal(t,
		FlowKeyFor(FlowOnboarding, "sess", at),
		FlowKeyFor(FlowOnboarding, "sess", at))
	assert.NotEqual(t,
		FlowKeyFor(FlowOnboarding, "sess", at),
		FlowKeyFor(FlowJournaling, "sess", at))
}

func TestDecryptErrorUnwraps(t *testing.T) {
	err := &DecryptError{RecordKey: "abc", Cause: errors.New("bad token")}
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.Contains(t, err.Error(), "abc")
}
