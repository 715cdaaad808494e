package lieutenant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentfleet/orchestrator/internal/metrics"
	"github.com/agentfleet/orchestrator/internal/rpcchannel"
)

const (
	localHandshakeDeadline = 30 * time.Second
	localReadinessInterval = 3 * time.Second
	localReadinessAttempts = 8
	localShutdownGrace     = 3 * time.Second
)

// LocalChannel is the local-process counterpart of rpcchannel.Channel: it
// drives a worker binary spawned as a child process, speaking the same
// newline-delimited JSON protocol over stdin/stdout instead of an
// SSH-tunnelled FIFO. Its Send/Kill signatures match rpcchannel.Channel
// so lieutenant.Manager can treat local and remote workers uniformly.
type LocalChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	logger *slog.Logger

	handler rpcchannel.EventHandler

	processDone chan struct{}

	mu      sync.Mutex
	stopped bool

	pendingMu sync.Mutex
	pending   map[string]chan rpcchannel.Event
}

// StartLocalAgent spawns binary with args in workDir, wires its stdin and
// stdout as a JSON-line channel, and performs the readiness handshake
// (30s ceiling, matching the remote channel's shape but local-appropriate
// since there is no SSH round-trip to amortize).
func StartLocalAgent(ctx context.Context, binary string, args []string, workDir string, handler rpcchannel.EventHandler, logger *slog.Logger) (*LocalChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lieutenant.local", "binary", binary)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binary, args...)
	cmd.Dir = workDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("local channel: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("local channel: stdout pipe: %w", err)
	}

	lc := &LocalChannel{
		cmd:         cmd,
		stdin:       stdin,
		cancel:      cancel,
		logger:      logger,
		handler:     handler,
		processDone: make(chan struct{}),
		pending:     make(map[string]chan rpcchannel.Event),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("local channel: start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	go lc.readLoop(scanner)

	if err := lc.handshake(ctx); err != nil {
		lc.Kill(ctx)
		return nil, err
	}
	return lc, nil
}

func (lc *LocalChannel) handshake(ctx context.Context) error {
	const requestID = "startup-check"

	ch := make(chan rpcchannel.Event, 1)
	lc.pendingMu.Lock()
	lc.pending[requestID] = ch
	lc.pendingMu.Unlock()
	defer func() {
		lc.pendingMu.Lock()
		delete(lc.pending, requestID)
		lc.pendingMu.Unlock()
	}()

	deadlineTimer := time.NewTimer(localHandshakeDeadline)
	defer deadlineTimer.Stop()
	ticker := time.NewTicker(localReadinessInterval)
	defer ticker.Stop()

	lc.Send(ctx, rpcchannel.GetStateCommand(requestID))
	sent := 1

	for {
		select {
		case ev := <-ch:
			if ev.Type == rpcchannel.EventResponse && ev.Command == rpcchannel.CommandGetState {
				return nil
			}
		case <-ticker.C:
			if sent < localReadinessAttempts {
				lc.Send(ctx, rpcchannel.GetStateCommand(requestID))
				sent++
			}
		case <-deadlineTimer.C:
			return rpcchannel.ErrChannelDead
		case <-ctx.Done():
			return ctx.Err()
		case <-lc.processDone:
			return fmt.Errorf("local channel: worker process exited during handshake")
		}
	}
}

// Send marshals cmd as a single JSON line and writes it to the child's
// stdin. Like rpcchannel.Channel.Send, failures are logged and counted,
// never returned: callers treat sends as fire-and-forget.
func (lc *LocalChannel) Send(ctx context.Context, cmd rpcchannel.Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		lc.logger.Error("marshal local rpc command", "error", err)
		metrics.RPCChannelSendsTotal.WithLabelValues("marshal_error").Inc()
		return
	}
	data = append(data, '\n')

	lc.mu.Lock()
	stopped := lc.stopped
	lc.mu.Unlock()
	if stopped {
		metrics.RPCChannelSendsTotal.WithLabelValues("error").Inc()
		return
	}

	if _, err := lc.stdin.Write(data); err != nil {
		lc.logger.Warn("write to local worker stdin failed", "error", err, "type", cmd.Type)
		metrics.RPCChannelSendsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.RPCChannelSendsTotal.WithLabelValues("ok").Inc()
}

func (lc *LocalChannel) dispatch(ev rpcchannel.Event) {
	if ev.Type == rpcchannel.EventResponse && ev.Command == rpcchannel.CommandGetState {
		lc.pendingMu.Lock()
		ch, ok := lc.pending["startup-check"]
		lc.pendingMu.Unlock()
		if ok {
			select {
			case ch <- ev:
			default:
			}
			return
		}
	}
	metrics.RPCChannelEventsTotal.WithLabelValues(ev.Type).Inc()
	if lc.handler != nil {
		lc.handler(ev)
	}
}

func (lc *LocalChannel) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev rpcchannel.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // non-JSON lines are silently discarded, matching the remote tail
		}
		lc.dispatch(ev)
	}
	if err := scanner.Err(); err != nil {
		lc.logger.Warn("local worker stdout read error", "error", err)
	}
	_ = lc.cmd.Wait()
	close(lc.processDone)
}

// Kill is idempotent. It closes stdin (EOF, the worker's shutdown
// signal), gives the process a grace period to exit, then sends SIGTERM
// (escalating to SIGKILL after WaitDelay if needed).
func (lc *LocalChannel) Kill(ctx context.Context) {
	lc.mu.Lock()
	if lc.stopped {
		lc.mu.Unlock()
		return
	}
	lc.stopped = true
	lc.mu.Unlock()

	_ = lc.stdin.Close()

	select {
	case <-lc.processDone:
		return
	case <-time.After(localShutdownGrace):
		lc.cancel()
	}
	<-lc.processDone
}
