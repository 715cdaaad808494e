package statuspage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/orchestrator/internal/lieutenant"
	"github.com/agentfleet/orchestrator/internal/workerrecord"
)

type fakeSwarmSource struct {
	status  map[string]string
	records map[string]*workerrecord.Record
}

func (f fakeSwarmSource) Status() map[string]string { return f.status }
func (f fakeSwarmSource) Record(agentId string) (*workerrecord.Record, bool) {
	r, ok := f.records[agentId]
	return r, ok
}

type fakeLieutenantSource struct {
	entries []lieutenant.SnapshotEntry
	records map[string]*workerrecord.Record
}

func (f fakeLieutenantSource) Snapshot() []lieutenant.SnapshotEntry { return f.entries }
func (f fakeLieutenantSource) Record(name string) (*workerrecord.Record, bool) {
	r, ok := f.records[name]
	return r, ok
}

func TestStatus_ReportsSwarmAndLieutenants(t *testing.T) {
	swarmSrc := fakeSwarmSource{status: map[string]string{"agent-1": "working"}}
	lieutenantSrc := fakeLieutenantSource{entries: []lieutenant.SnapshotEntry{
		{Name: "infra", Role: "<script>alert(1)</script>backend work", Status: "idle", TaskCount: 3},
	}}

	server := httptest.NewServer(NewMux(swarmSrc, lieutenantSrc, nil))
	defer server.Close()

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status FleetStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Len(t, status.SwarmAgents, 1)
	assert.Equal(t, "agent-1", status.SwarmAgents[0].Label)
	assert.Equal(t, "working", status.SwarmAgents[0].Status)

	require.Len(t, status.Lieutenants, 1)
	assert.Equal(t, "infra", status.Lieutenants[0].Name)
	assert.NotContains(t, status.Lieutenants[0].Role, "<script>")
	assert.Equal(t, 3, status.Lieutenants[0].TaskCount)
}

func TestStatus_RejectsNonGet(t *testing.T) {
	server := httptest.NewServer(NewMux(fakeSwarmSource{}, fakeLieutenantSource{}, nil))
	defer server.Close()

	resp, err := http.Post(server.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	server := httptest.NewServer(NewMux(fakeSwarmSource{}, fakeLieutenantSource{}, nil))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWsTail_UnknownWorkerReturns404(t *testing.T) {
	server := httptest.NewServer(NewMux(fakeSwarmSource{}, fakeLieutenantSource{}, nil))
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws/tail/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWsTail_StreamsStatusUpdates(t *testing.T) {
	rec := workerrecord.New("agent-1", workerrecord.KindSwarm, 20, 200)
	rec.SetStatus(workerrecord.StatusWorking)
	rec.SetLastOutput("hello")

	swarmSrc := fakeSwarmSource{records: map[string]*workerrecord.Record{"agent-1": rec}}
	server := httptest.NewServer(NewMux(swarmSrc, fakeLieutenantSource{}, nil))
	defer server.Close()

	ctx := t.Context()
	wsURL := strings.Replace(server.URL, "http://", "ws://", 1) + "/ws/tail/agent-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	require.NoError(t, err)

	var frame tailFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "working", frame.Status)
	assert.Equal(t, "hello", frame.LastOutput)
}

func TestWsTail_RejectsDuringShutdown(t *testing.T) {
	rec := workerrecord.New("agent-1", workerrecord.KindSwarm, 20, 200)
	swarmSrc := fakeSwarmSource{records: map[string]*workerrecord.Record{"agent-1": rec}}

	shutdownCh := make(chan struct{})
	close(shutdownCh)

	server := httptest.NewServer(NewMux(swarmSrc, fakeLieutenantSource{}, shutdownCh))
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws/tail/agent-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
