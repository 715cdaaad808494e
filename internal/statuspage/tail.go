package statuspage

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agentfleet/orchestrator/internal/metrics"
	"github.com/agentfleet/orchestrator/internal/workerrecord"
)

const tailPollInterval = 500 * time.Millisecond

// WebSocket close codes for the tail endpoint.
const (
	wsCloseNotFound     = 4004
	wsCloseShuttingDown = 4003
)

// tailFrame is one JSON frame pushed to a tail subscriber.
type tailFrame struct {
	Status     string `json:"status"`
	TaskCount  int    `json:"taskCount"`
	LastOutput string `json:"lastOutput"`
}

// newTailHandler returns a handler for /ws/tail/<name>: it streams a
// worker's status and accumulated output as it changes, polling the
// in-memory record rather than subscribing to its raw event stream,
// since workerrecord.Record exposes no push API of its own.
func newTailHandler(swarmMgr SwarmSource, lieutenantMgr LieutenantSource, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shutdownCh != nil {
			select {
			case <-shutdownCh:
				http.Error(w, "status page is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		name := workerName(r.URL.Path)
		rec, ok := lookupRecord(swarmMgr, lieutenantMgr, name)
		if !ok {
			http.Error(w, "unknown worker", http.StatusNotFound)
			return
		}

		acceptAndStream(w, r, rec, name)
	})
}

func lookupRecord(swarmMgr SwarmSource, lieutenantMgr LieutenantSource, name string) (*workerrecord.Record, bool) {
	if rec, ok := swarmMgr.Record(name); ok {
		return rec, true
	}
	if rec, ok := lieutenantMgr.Record(name); ok {
		return rec, true
	}
	return nil, false
}

func acceptAndStream(w http.ResponseWriter, r *http.Request, rec *workerrecord.Record, name string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"fleet.tail.v1"},
	})
	if err != nil {
		slog.Debug("statuspage: ws accept failed", "name", name, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx := r.Context()
	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	var lastSent tailFrame
	first := true
	for {
		frame := tailFrame{
			Status:     string(rec.Status()),
			TaskCount:  rec.TaskCount(),
			LastOutput: sanitizeText(rec.LastOutput()),
		}
		if first || frame != lastSent {
			if err := writeFrame(ctx, conn, frame); err != nil {
				slog.Debug("statuspage: ws write failed", "name", name, "error", err)
				return
			}
			lastSent = frame
			first = false
		}

		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame tailFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}
