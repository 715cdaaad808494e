// Package rpcchannel maintains a bidirectional JSON-line channel to a
// worker process on a remote VM, surviving orchestrator-side
// disconnects without losing events.
package rpcchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentfleet/orchestrator/internal/metrics"
	"github.com/agentfleet/orchestrator/internal/sshtransport"
)

const (
	remoteDir        = "/tmp/pi-rpc"
	remoteIn         = remoteDir + "/in"
	remoteOut        = remoteDir + "/out"
	remoteErr        = remoteDir + "/err"
	sessionKeeper    = "pi-keeper"
	sessionRpc       = "pi-rpc"
	remoteWorkingDir = "/root/workspace"

	tailReconnectDelay = 3 * time.Second
	readinessAttempts  = 8
	readinessInterval  = 3 * time.Second
)

// WorkerStartError indicates the remote multiplexer sessions failed to
// come up during startRpcAgent.
var WorkerStartError = errors.New("rpc channel: worker sessions failed to start")

// ErrChannelDead is returned when the readiness handshake does not
// complete within its deadline.
var ErrChannelDead = errors.New("rpc channel: no readiness response within deadline")

// EventHandler reacts to events dispatched from a worker's output tail.
// It may be called from the tail goroutine; handlers must not block.
type EventHandler func(Event)

// Options configures the SSH transport used by a Channel.
type Options struct {
	SSHBinary        string
	Transport        sshtransport.Options
	ReadinessTimeout time.Duration // default 45s
}

func (o Options) readinessTimeout() time.Duration {
	if o.ReadinessTimeout > 0 {
		return o.ReadinessTimeout
	}
	return 45 * time.Second
}

// Channel owns one worker's inbound FIFO and outbound tail.
type Channel struct {
	opts    Options
	handler EventHandler
	logger  *slog.Logger

	mu             sync.Mutex
	linesProcessed int
	killed         bool
	cancelTail     context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan Event
}

// StartRpcAgent installs the remote FIFO/tmux scaffolding, starts the
// worker, and performs the readiness handshake. envVars are exported in
// the worker session's environment (LLM provider key, orchestration
// credentials).
func StartRpcAgent(ctx context.Context, opts Options, workerCmd string, envVars map[string]string, handler EventHandler, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpcchannel", "vmId", opts.Transport.VmId)

	bootstrap := fmt.Sprintf(
		"mkdir -p %s && mkfifo -m 600 %s 2>/dev/null; touch %s %s",
		remoteDir, remoteIn, remoteOut, remoteErr,
	)
	if _, err := sshtransport.Exec(ctx, opts.SSHBinary, opts.Transport, bootstrap); err != nil {
		return nil, fmt.Errorf("bootstrap remote fifo: %w", err)
	}

	keeperCmd := fmt.Sprintf("tmux new-session -d -s %s %s",
		sessionKeeper, sshtransport.QuoteSingle(fmt.Sprintf("sleep infinity > %s", remoteIn)))
	if _, err := sshtransport.Exec(ctx, opts.SSHBinary, opts.Transport, keeperCmd); err != nil {
		return nil, fmt.Errorf("start keeper session: %w", err)
	}

	envPrefix := buildEnvPrefix(envVars)
	rpcCmd := fmt.Sprintf(
		"tmux new-session -d -s %s %s",
		sessionRpc,
		sshtransport.QuoteSingle(fmt.Sprintf(
			"cd %s && %s%s < %s >> %s 2>> %s",
			remoteWorkingDir, envPrefix, workerCmd, remoteIn, remoteOut, remoteErr,
		)),
	)
	if _, err := sshtransport.Exec(ctx, opts.SSHBinary, opts.Transport, rpcCmd); err != nil {
		return nil, fmt.Errorf("start rpc session: %w", err)
	}

	for _, name := range []string{sessionKeeper, sessionRpc} {
		if !hasSession(ctx, opts, name) {
			return nil, fmt.Errorf("%w: session %s missing after start", WorkerStartError, name)
		}
	}

	ch := newChannel(opts, handler, logger)
	ch.startTail(0)

	if err := ch.handshake(ctx); err != nil {
		ch.Kill(ctx)
		return nil, err
	}
	return ch, nil
}

// ReconnectRpcAgent skips the bootstrap steps, verifies the worker
// session is still present, and reattaches the tail from the current
// point (old output is deliberately not replayed), then re-runs the
// readiness handshake.
func ReconnectRpcAgent(ctx context.Context, opts Options, handler EventHandler, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpcchannel", "vmId", opts.Transport.VmId)

	if !hasSession(ctx, opts, sessionRpc) {
		return nil, fmt.Errorf("%w: session %s not present", WorkerStartError, sessionRpc)
	}

	ch := newChannel(opts, handler, logger)
	// Count the lines already in the output file so that a later tail
	// reconnect resumes after them instead of from the top of the file.
	existing := -1
	if result, err := sshtransport.Exec(ctx, opts.SSHBinary, opts.Transport, "wc -l < "+remoteOut); err == nil && result.ExitCode == 0 {
		if n, convErr := strconv.Atoi(strings.TrimSpace(result.Stdout)); convErr == nil {
			existing = n
		}
	}
	if existing >= 0 {
		ch.startTail(existing)
	} else {
		ch.startTailSkipExisting()
	}

	if err := ch.handshake(ctx); err != nil {
		ch.Kill(ctx)
		return nil, err
	}
	return ch, nil
}

func newChannel(opts Options, handler EventHandler, logger *slog.Logger) *Channel {
	return &Channel{
		opts:    opts,
		handler: handler,
		logger:  logger,
		pending: make(map[string]chan Event),
	}
}

func hasSession(ctx context.Context, opts Options, name string) bool {
	result, err := sshtransport.Exec(ctx, opts.SSHBinary, opts.Transport,
		fmt.Sprintf("tmux has-session -t %s", name))
	return err == nil && result.ExitCode == 0
}

func buildEnvPrefix(envVars map[string]string) string {
	var b bytes.Buffer
	for k, v := range envVars {
		fmt.Fprintf(&b, "%s=%s ", k, sshtransport.QuoteSingle(v))
	}
	return b.String()
}

// handshake sends {id: "startup-check", type: "get_state"} up to 8
// times at 3s intervals and waits up to the configured readiness
// timeout (default 45s) for a matching response event.
func (c *Channel) handshake(ctx context.Context) error {
	const requestID = "startup-check"

	ch := make(chan Event, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	deadlineTimer := time.NewTimer(c.opts.readinessTimeout())
	defer deadlineTimer.Stop()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	c.Send(ctx, GetStateCommand(requestID))
	sent := 1

	for {
		select {
		case ev := <-ch:
			if ev.Type == EventResponse && ev.Command == CommandGetState {
				return nil
			}
		case <-ticker.C:
			if sent < readinessAttempts {
				c.Send(ctx, GetStateCommand(requestID))
				sent++
			}
		case <-deadlineTimer.C:
			return ErrChannelDead
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handshake re-runs the readiness probe (a get_state ping) against an
// already-connected channel. Callers use this to reconfirm liveness
// after an external event that might have disturbed the worker, such
// as a lieutenant resume from a paused VM.
func (c *Channel) Handshake(ctx context.Context) error {
	return c.handshake(ctx)
}

// Send opens a fresh SSH connection, writes the JSON-encoded command
// followed by a newline to the remote FIFO, and closes it. Sends are
// fire-and-forget: failures are logged and counted, never returned.
func (c *Channel) Send(ctx context.Context, cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		c.logger.Error("marshal rpc command", "error", err)
		metrics.RPCChannelSendsTotal.WithLabelValues("marshal_error").Inc()
		return
	}
	data = append(data, '\n')

	remoteCmd := fmt.Sprintf("cat > %s", remoteIn)
	if err := sshtransport.ExecWithStdin(ctx, c.opts.SSHBinary, c.opts.Transport, remoteCmd, string(data)); err != nil {
		c.logger.Warn("send rpc command failed", "error", err, "type", cmd.Type)
		metrics.RPCChannelSendsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.RPCChannelSendsTotal.WithLabelValues("ok").Inc()
}

// Dispatch routes an incoming event either to a pending handshake probe
// or to the installed event handler.
func (c *Channel) dispatch(ev Event) {
	if ev.Type == EventResponse && ev.Command == CommandGetState {
		c.pendingMu.Lock()
		ch, ok := c.pending["startup-check"]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- ev:
			default:
			}
			return
		}
	}
	metrics.RPCChannelEventsTotal.WithLabelValues(ev.Type).Inc()
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *Channel) startTail(fromLine int) {
	c.mu.Lock()
	c.linesProcessed = fromLine
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelTail = cancel
	c.mu.Unlock()

	go c.tailLoop(ctx)
}

func (c *Channel) startTailSkipExisting() {
	c.mu.Lock()
	c.linesProcessed = -1 // sentinel: first attach uses -n 0
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelTail = cancel
	c.mu.Unlock()

	go c.tailLoop(ctx)
}

func (c *Channel) tailLoop(ctx context.Context) {
	var lineBuf []byte
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		killed := c.killed
		lp := c.linesProcessed
		c.mu.Unlock()
		if killed {
			return
		}

		var tailCmd string
		if first && lp < 0 {
			tailCmd = fmt.Sprintf("tail -f -n 0 %s", remoteOut)
		} else {
			tailCmd = fmt.Sprintf("tail -f -n +%d %s", lp+1, remoteOut)
		}
		first = false
		lineBuf = lineBuf[:0]

		_, _ = sshtransport.StreamExec(ctx, c.opts.SSHBinary, c.opts.Transport, tailCmd, 0, func(chunk []byte) {
			lineBuf = append(lineBuf, chunk...)
			for {
				idx := bytes.IndexByte(lineBuf, '\n')
				if idx < 0 {
					break
				}
				line := lineBuf[:idx]
				lineBuf = lineBuf[idx+1:]

				c.mu.Lock()
				c.linesProcessed++
				c.mu.Unlock()

				var ev Event
				if err := json.Unmarshal(line, &ev); err != nil {
					continue // non-JSON lines are silently discarded
				}
				c.dispatch(ev)
			}
		})

		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		killed = c.killed
		c.mu.Unlock()
		if killed {
			return
		}

		metrics.RPCChannelReconnectsTotal.Inc()
		c.logger.Info("tail disconnected, reconnecting", "delay", tailReconnectDelay)
		waitWithBackoff(ctx, tailReconnectDelay)
	}
}

// tailReconnectBackoff fires at a fixed interval: the spec calls for a
// flat 3-second reconnect timer, not an escalating one.
func tailReconnectBackoff(d time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d
	b.MaxInterval = d
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func waitWithBackoff(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(tailReconnectBackoff(d).NextBackOff())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Kill is idempotent. It cancels the tail, and best-effort SSHes in to
// kill both multiplexer sessions and remove the remote FIFO directory.
func (c *Channel) Kill(ctx context.Context) {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	cancel := c.cancelTail
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	cleanup := fmt.Sprintf(
		"tmux kill-session -t %s 2>/dev/null; tmux kill-session -t %s 2>/dev/null; rm -rf %s",
		sessionRpc, sessionKeeper, remoteDir,
	)
	if _, err := sshtransport.Exec(ctx, c.opts.SSHBinary, c.opts.Transport, cleanup); err != nil {
		c.logger.Warn("best-effort remote cleanup failed", "error", err)
	}
}
