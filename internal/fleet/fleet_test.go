package fleet_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/fleet"
)

func testConfig(t *testing.T, vmAPIURL string) *config.Config {
	t.Helper()
	return &config.Config{
		VersAPIKey:          "test-key",
		VersBaseURL:         vmAPIURL,
		DataDir:             t.TempDir(),
		SSHProxySuffix:      "vers-proxy.dev",
		SSHProxyBinary:      "ssh",
		WaitPollInterval:    2 * time.Second,
		WaitDefaultTimeout:  300 * time.Second,
		ReadinessTimeout:    45 * time.Second,
		OutputHistoryCap:    20,
		EventsRingCap:       200,
		SummaryTailChars:    500,
		DefaultReadTailSize: 5000,
		StatusPageAddr:      "127.0.0.1:0",
	}
}

func TestNew_EmptySnapshotConstructsServerWithNoLieutenants(t *testing.T) {
	vmAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer vmAPI.Close()

	cfg := testConfig(t, vmAPI.URL)
	server, err := fleet.New(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, server.Swarm)
	require.NotNil(t, server.Lieutenant)
	require.Empty(t, server.Lieutenant.Snapshot())
}

func TestNew_ReconnectsPausedLieutenantFromSnapshot(t *testing.T) {
	vmAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"vm_id": "vm-1", "state": "Paused", "created_at": "2026-01-01T00:00:00.000Z"}`))
	}))
	defer vmAPI.Close()

	cfg := testConfig(t, vmAPI.URL)
	snapshotPath := filepath.Join(cfg.DataDir, "lieutenants.json")
	require.NoError(t, writeTestSnapshot(snapshotPath))

	server, err := fleet.New(t.Context(), cfg)
	require.NoError(t, err)

	entries := server.Lieutenant.Snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, "infra", entries[0].Name)
	require.Equal(t, "paused", entries[0].Status)
}

func TestServe_ShutsDownCleanlyOnContextCancel(t *testing.T) {
	vmAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer vmAPI.Close()

	cfg := testConfig(t, vmAPI.URL)
	server, err := fleet.New(t.Context(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func writeTestSnapshot(path string) error {
	const doc = `{
		"lieutenants": [
			{"name": "infra", "role": "backend work", "vmId": "vm-1", "isLocal": false,
			 "status": "idle", "taskCount": 0, "createdAt": "2026-01-01T00:00:00Z",
			 "lastActivityAt": "2026-01-01T00:00:00Z"}
		],
		"savedAt": "2026-01-01T00:00:00Z"
	}`
	return os.WriteFile(path, []byte(doc), 0o600)
}
