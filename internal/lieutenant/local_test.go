package lieutenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/orchestrator/internal/rpcchannel"
)

// fakeWorker writes an executable script that speaks the newline-JSON
// protocol LocalChannel expects on stdin/stdout, standing in for a real
// worker binary.
func fakeWorker(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeworker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const respondToGetState = `
while IFS= read -r line; do
  case "$line" in
    *'"type":"get_state"'*) printf '{"type":"response","command":"get_state"}\n' ;;
  esac
done
`

func TestStartLocalAgent_HappyPath(t *testing.T) {
	binary := fakeWorker(t, respondToGetState)
	var events []rpcchannel.Event
	handler := func(ev rpcchannel.Event) { events = append(events, ev) }

	lc, err := StartLocalAgent(t.Context(), binary, nil, t.TempDir(), handler, nil)
	require.NoError(t, err)
	t.Cleanup(func() { lc.Kill(context.Background()) })
}

func TestStartLocalAgent_HandshakeTimesOutWhenWorkerNeverResponds(t *testing.T) {
	binary := fakeWorker(t, "cat >/dev/null\n")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := StartLocalAgent(ctx, binary, nil, t.TempDir(), nil, nil)
	require.Error(t, err)
}

func TestLocalChannel_KillIsIdempotent(t *testing.T) {
	binary := fakeWorker(t, respondToGetState)
	lc, err := StartLocalAgent(t.Context(), binary, nil, t.TempDir(), nil, nil)
	require.NoError(t, err)

	ctx := t.Context()
	lc.Kill(ctx)
	lc.Kill(ctx) // must not panic or block
}

func TestLocalChannel_SendAfterKillDoesNotPanic(t *testing.T) {
	binary := fakeWorker(t, respondToGetState)
	lc, err := StartLocalAgent(t.Context(), binary, nil, t.TempDir(), nil, nil)
	require.NoError(t, err)

	lc.Kill(context.Background())
	assert.NotPanics(t, func() {
		lc.Send(context.Background(), rpcchannel.PromptCommand("hello"))
	})
}

func TestLocalChannel_DispatchesNonHandshakeEventsToHandler(t *testing.T) {
	script := `
while IFS= read -r line; do
  case "$line" in
    *'"type":"get_state"'*) printf '{"type":"response","command":"get_state"}\n' ;;
    *'"type":"prompt"'*) printf '{"type":"agent_start"}\n'; printf '{"type":"agent_end"}\n' ;;
  esac
done
`
	binary := fakeWorker(t, script)

	received := make(chan rpcchannel.Event, 4)
	handler := func(ev rpcchannel.Event) { received <- ev }

	lc, err := StartLocalAgent(t.Context(), binary, nil, t.TempDir(), handler, nil)
	require.NoError(t, err)
	t.Cleanup(func() { lc.Kill(context.Background()) })

	lc.Send(t.Context(), rpcchannel.PromptCommand("do the thing"))

	ev := <-received
	assert.Equal(t, rpcchannel.EventAgentStart, ev.Type)
	ev = <-received
	assert.Equal(t, rpcchannel.EventAgentEnd, ev.Type)
}
