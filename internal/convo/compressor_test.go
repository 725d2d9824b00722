package convo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

func TestCompressWritesOneSummary(t *testing.T) {
	e := newEnv(t)
	sess := e.seedSession("42")
	for i := 0; i < 3; i++ {
		e.userMessage("42", sess, "entry", e.clock.Now().Add(time.Duration(i)*time.Minute))
	}

	n, err := e.orch.compressor.Compress(e.ctx, "42", sess)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, e.sum.calls)

	got, err := e.store.Artifacts().List(e.ctx, store.ListArtifactsRequest{
		ChatID: "42", Type: model.ArtifactSessionSummary, SessionKey: sess.SessionKey,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCompressIsAtMostOnce(t *testing.T) {
	e := newEnv(t)
	sess := e.seedSession("42")
	e.userMessage("42", sess, "entry", e.clock.Now())

	first, err := e.orch.compressor.Compress(e.ctx, "42", sess)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := e.orch.compressor.Compress(e.ctx, "42", sess)
	require.NoError(t, err)
	assert.Zero(t, second, "existing summary makes compression a no-op")
	assert.Equal(t, 1, e.sum.calls)

	got, err := e.store.Artifacts().List(e.ctx, store.ListArtifactsRequest{
		ChatID: "42", Type: model.ArtifactSessionSummary, SessionKey: sess.SessionKey,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCompressSkipsEmptySessions(t *testing.T) {
	e := newEnv(t)
	sess := e.seedSession("42")

	n, err := e.orch.compressor.Compress(e.ctx, "42", sess)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.sum.calls)

	got, err := e.store.Artifacts().List(e.ctx, store.ListArtifactsRequest{
		ChatID: "42", Type: model.ArtifactSessionSummary,
	})
	require.NoError(t, err)
	assert.Empty(t, got, "no artifact for an empty session")
}
