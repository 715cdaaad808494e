// Package statuspage exposes a small read-only HTTP+WebSocket surface
// for human operators to observe fleet state without going through the
// parent LLM's tool surface: a JSON snapshot at /status, Prometheus
// metrics at /metrics, and a live per-worker tail at /ws/tail/<name>.
// Nothing here ever mutates worker state.
package statuspage

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/orchestrator/internal/lieutenant"
	"github.com/agentfleet/orchestrator/internal/logging"
	"github.com/agentfleet/orchestrator/internal/metrics"
	"github.com/agentfleet/orchestrator/internal/workerrecord"
)

// SwarmSource is the read-only view of a swarm.Manager the status page
// needs. *swarm.Manager satisfies this structurally.
type SwarmSource interface {
	Status() map[string]string
	Record(agentId string) (*workerrecord.Record, bool)
}

// LieutenantSource is the read-only view of a lieutenant.Manager the
// status page needs. *lieutenant.Manager satisfies this structurally.
type LieutenantSource interface {
	Snapshot() []lieutenant.SnapshotEntry
	Record(name string) (*workerrecord.Record, bool)
}

// textPolicy strips any HTML/script content from operator-supplied
// free text (lieutenant role descriptions, worker output) before it is
// sent to a browser-based status page, in case that text is rendered
// rather than just displayed as JSON.
var textPolicy = bluemonday.StrictPolicy()

// sanitizeText runs s through textPolicy. Characters the policy
// escapes (such as & and <) stay HTML-escaped in the result.
func sanitizeText(s string) string {
	return textPolicy.Sanitize(s)
}

// SwarmAgentStatus is one swarm agent's entry in a FleetStatus.
type SwarmAgentStatus struct {
	Label  string `json:"label"`
	Status string `json:"status"`
}

// LieutenantStatus is one lieutenant's entry in a FleetStatus.
type LieutenantStatus struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	TaskCount int    `json:"taskCount"`
	IsLocal   bool   `json:"isLocal"`
}

// FleetStatus is the full /status response.
type FleetStatus struct {
	SwarmAgents []SwarmAgentStatus `json:"swarmAgents"`
	Lieutenants []LieutenantStatus `json:"lieutenants"`
	GeneratedAt string             `json:"generatedAt"`
}

// NewMux builds the status page's http.Handler, wrapped in the same
// logging and metrics middleware the teacher applies to its hub
// server. shutdownCh, if non-nil, causes new WebSocket tails to be
// rejected once closed (existing ones are left alone; the composition
// root is responsible for draining them).
func NewMux(swarmMgr SwarmSource, lieutenantMgr LieutenantSource, shutdownCh <-chan struct{}) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(w, r, swarmMgr, lieutenantMgr)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/tail/", newTailHandler(swarmMgr, lieutenantMgr, shutdownCh))

	return logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))
}

func handleStatus(w http.ResponseWriter, r *http.Request, swarmMgr SwarmSource, lieutenantMgr LieutenantSource) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := FleetStatus{GeneratedAt: time.Now().Format(time.RFC3339)}

	for label, s := range swarmMgr.Status() {
		status.SwarmAgents = append(status.SwarmAgents, SwarmAgentStatus{Label: label, Status: s})
	}
	for _, e := range lieutenantMgr.Snapshot() {
		status.Lieutenants = append(status.Lieutenants, LieutenantStatus{
			Name: e.Name, Role: sanitizeText(e.Role), Status: e.Status,
			TaskCount: e.TaskCount, IsLocal: e.IsLocal,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// workerName extracts the trailing path segment after /ws/tail/.
func workerName(path string) string {
	return strings.TrimPrefix(path, "/ws/tail/")
}
