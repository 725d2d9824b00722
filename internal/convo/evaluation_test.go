package convo

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

type fakeGrader struct {
	calls     int
	summaries []string
}

func (f *fakeGrader) Grade(_ context.Context, summary string) (string, error) {
	f.calls++
	f.summaries = append(f.summaries, summary)
	return "supportive, stayed on topic", nil
}

func TestEvaluateSessionPersistsVerdict(t *testing.T) {
	e := newEnv(t)
	sess := e.seedSession("42")
	e.userMessage("42", sess, "rough day", e.clock.Now())

	_, err := e.orch.compressor.Compress(e.ctx, "42", sess)
	require.NoError(t, err)

	grader := &fakeGrader{}
	eval := NewEvaluation(e.store, e.keys, e.cache, grader, zerolog.Nop())
	require.NoError(t, eval.EvaluateSession(e.ctx, "42", sess.SessionKey))

	assert.Equal(t, 1, grader.calls)
	require.Len(t, grader.summaries, 1)
	assert.Equal(t, "summary", grader.summaries[0], "grader sees the decrypted summary")

	verdicts, err := e.store.Artifacts().List(e.ctx, store.ListArtifactsRequest{
		ChatID: "42", Type: model.ArtifactMetadataChange, SessionKey: sess.SessionKey,
	})
	require.NoError(t, err)
	assert.Len(t, verdicts, 1)
}

func TestEvaluateSessionWithoutSummaryIsSkipped(t *testing.T) {
	e := newEnv(t)
	sess := e.seedSession("42")

	grader := &fakeGrader{}
	eval := NewEvaluation(e.store, e.keys, e.cache, grader, zerolog.Nop())
	require.NoError(t, eval.EvaluateSession(e.ctx, "42", sess.SessionKey))
	assert.Zero(t, grader.calls)
}
