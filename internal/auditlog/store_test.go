package auditlog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/orchestrator/internal/auditlog"
)

func newTestLog(t *testing.T) *auditlog.Log {
	t.Helper()
	log, err := auditlog.OpenLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestLog_RecordAndForWorker(t *testing.T) {
	log := newTestLog(t)
	ctx := t.Context()

	require.NoError(t, log.Record(ctx, "infra", auditlog.KindLieutenant, auditlog.TransitionSpawn, "created from commit c1", "2026-07-29T00:00:00Z"))
	require.NoError(t, log.Record(ctx, "infra", auditlog.KindLieutenant, auditlog.TransitionPause, "", "2026-07-29T00:05:00Z"))
	require.NoError(t, log.Record(ctx, "agent-1", auditlog.KindSwarm, auditlog.TransitionSpawn, "", "2026-07-29T00:01:00Z"))

	events, err := log.ForWorker(ctx, "infra")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, auditlog.TransitionSpawn, events[0].Transition)
	assert.Equal(t, auditlog.TransitionPause, events[1].Transition)
	assert.Equal(t, auditlog.KindLieutenant, events[0].WorkerKind)
}

func TestLog_Recent_NewestFirstAndCapped(t *testing.T) {
	log := newTestLog(t)
	ctx := t.Context()

	for i, transition := range []auditlog.Transition{auditlog.TransitionSpawn, auditlog.TransitionPause, auditlog.TransitionResume, auditlog.TransitionDestroy} {
		require.NoError(t, log.Record(ctx, "infra", auditlog.KindLieutenant, transition, "", "2026-07-29T00:0"+string(rune('0'+i))+":00Z"))
	}

	events, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, auditlog.TransitionDestroy, events[0].Transition)
	assert.Equal(t, auditlog.TransitionResume, events[1].Transition)
}

func TestLog_ForWorker_UnknownNameReturnsEmpty(t *testing.T) {
	log := newTestLog(t)
	events, err := log.ForWorker(t.Context(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, events)
}
