// Package lieutenant manages long-lived coding-agent workers: named
// lieutenants that persist across sessions, can be paused and resumed,
// and accept prompts, follow-ups, and mid-task steers according to
// their current lifecycle state.
package lieutenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentfleet/orchestrator/internal/metrics"
	"github.com/agentfleet/orchestrator/internal/rpcchannel"
	"github.com/agentfleet/orchestrator/internal/sshtransport"
	"github.com/agentfleet/orchestrator/internal/util/sanitize"
	"github.com/agentfleet/orchestrator/internal/vmapi"
	"github.com/agentfleet/orchestrator/internal/workerrecord"
)

const (
	readinessPollAttempts = 30
	readinessPollInterval = 2 * time.Second

	resumePollAttempts = 15
	resumePollInterval = 2 * time.Second

	remoteSystemPromptPath = "/tmp/system-prompt.txt"
	remoteRpcSession       = "pi-rpc"
	defaultRemoteWorkerCmd = "agent --mode rpc"
	defaultLocalBinary     = "agent"
)

var (
	ErrExists           = errors.New("lieutenant: already exists")
	ErrUnknown          = errors.New("lieutenant: unknown lieutenant")
	ErrPaused           = errors.New("lieutenant: worker is paused")
	ErrNotPaused        = errors.New("lieutenant: not paused")
	ErrWorking          = errors.New("lieutenant: cannot pause while working")
	ErrLocalNoPause     = errors.New("lieutenant: local lieutenants cannot be paused")
	ErrLocalNoResume    = errors.New("lieutenant: local lieutenants cannot be resumed")
	ErrUnknownSendMode  = errors.New("lieutenant: unknown send mode")
)

// RegistryPublisher is the optional external-registry collaborator, the
// same shape swarm.Manager uses. Both methods are best-effort.
type RegistryPublisher interface {
	Publish(ctx context.Context, vmId, name, role string) error
	Deregister(ctx context.Context, vmId string) error
}

// AuditRecorder is the optional lifecycle-journal collaborator.
// workerKind is always "lieutenant"; transition is one of "spawn",
// "pause", "resume", "destroy", "mode_downgrade", "error", or
// "reconnect". Recording is best-effort: a journal failure never fails
// the operation that triggered it.
type AuditRecorder interface {
	Record(ctx context.Context, workerName, workerKind, transition, detail, occurredAt string) error
}

// Options configures a Manager.
type Options struct {
	SSHBinary        string
	ProxySuffix      string
	ProxyBinary      string
	RemoteWorkerCmd  string // default "agent --mode rpc"
	LocalBinary      string // default "agent"
	SessionDirRoot   string // base dir for local lieutenants' working directories

	ReadinessTimeout time.Duration // remote handshake ceiling, default 45s
	OutputHistoryCap int           // default 20
	EventsRingCap    int           // default 200

	// StrictResume, when set, additionally re-runs the full readiness
	// handshake after a resume's multiplexer-session check succeeds,
	// rather than trusting the session's mere existence.
	StrictResume bool
}

func (o Options) remoteWorkerCmd() string {
	if o.RemoteWorkerCmd != "" {
		return o.RemoteWorkerCmd
	}
	return defaultRemoteWorkerCmd
}

func (o Options) localBinary() string {
	if o.LocalBinary != "" {
		return o.LocalBinary
	}
	return defaultLocalBinary
}

func (o Options) sessionDirRoot() string {
	if o.SessionDirRoot != "" {
		return o.SessionDirRoot
	}
	return filepath.Join(os.TempDir(), "pi-lieutenants")
}

// workerChannel is the interface rpcchannel.Channel and LocalChannel
// both satisfy, letting Manager treat remote and local lieutenants
// uniformly everywhere but create/resume/pause.
type workerChannel interface {
	Send(ctx context.Context, cmd rpcchannel.Command)
	Kill(ctx context.Context)
}

type entry struct {
	name      string
	role      string
	vmId      string
	isLocal   bool
	createdAt string
	channel   workerChannel
	record    *workerrecord.Record
}

// Manager tracks every lieutenant the orchestrator knows about.
type Manager struct {
	vm       *vmapi.Client
	keys     *sshtransport.KeyStore
	registry RegistryPublisher
	audit    AuditRecorder
	logger   *slog.Logger
	opts     Options
	onMutate func()

	mu          sync.Mutex
	lieutenants map[string]*entry
}

// New constructs a Manager. registry, audit, and onMutate may all be
// nil. onMutate is invoked after every state-changing operation, giving
// the composition root a hook to flush the lieutenants snapshot.
func New(vm *vmapi.Client, keys *sshtransport.KeyStore, registry RegistryPublisher, opts Options, onMutate func(), audit AuditRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vm:          vm,
		keys:        keys,
		registry:    registry,
		audit:       audit,
		logger:      logger.With("component", "lieutenant"),
		opts:        opts,
		onMutate:    onMutate,
		lieutenants: make(map[string]*entry),
	}
}

// recordAudit appends a best-effort lifecycle journal entry. Failures
// are logged and otherwise swallowed.
func (m *Manager) recordAudit(ctx context.Context, name, transition, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, name, "lieutenant", transition, detail, time.Now().Format(time.RFC3339)); err != nil {
		m.logger.Warn("audit record failed", "name", name, "transition", transition, "error", err)
	}
}

// Create provisions a new lieutenant named name with role role. If
// local is true it is run as a child process on the host instead of in
// a micro-VM; commitId and envVars are then ignored. model, if
// non-empty, is set immediately after the worker becomes reachable.
// createdAt should be an RFC3339 timestamp supplied by the caller.
func (m *Manager) Create(ctx context.Context, name, role, commitId string, envVars map[string]string, model string, local bool, createdAt string) error {
	m.mu.Lock()
	_, exists := m.lieutenants[name]
	m.mu.Unlock()
	if exists {
		return ErrExists
	}

	prompt := buildSystemPrompt(name, role)
	logger := m.logger.With("name", name, "local", local)

	if local {
		return m.createLocal(ctx, name, role, prompt, model, createdAt, logger)
	}
	return m.createRemote(ctx, name, role, commitId, prompt, envVars, model, createdAt, logger)
}

func buildSystemPrompt(name, role string) string {
	return fmt.Sprintf(
		"You are %s, a persistent coding-agent lieutenant.\nRole: %s\n",
		sanitize.Title(name, 128), sanitize.Title(role, 4000),
	)
}

func (m *Manager) createLocal(ctx context.Context, name, role, prompt, model, createdAt string, logger *slog.Logger) error {
	sessionDir := filepath.Join(m.opts.sessionDirRoot(), name)
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return fmt.Errorf("lieutenant: create session dir: %w", err)
	}
	promptPath := filepath.Join(sessionDir, "system-prompt.txt")
	if err := os.WriteFile(promptPath, []byte(prompt), 0o600); err != nil {
		return fmt.Errorf("lieutenant: write system prompt: %w", err)
	}

	args := []string{"--mode", "rpc", "--session-dir", sessionDir, "--system-prompt", promptPath}
	if model != "" {
		args = append(args, "--model", model)
	}

	rec := workerrecord.New(name, workerrecord.KindLieutenant, m.outputHistoryCap(), m.eventsRingCap())
	handler := workerrecord.BuildEventHandler(rec, func(string) { m.triggerPersist() })

	channel, err := StartLocalAgent(ctx, m.opts.localBinary(), args, sessionDir, handler, logger)
	if err != nil {
		logger.Error("start local agent failed", "error", err)
		return fmt.Errorf("lieutenant: start local agent: %w", err)
	}
	rec.SetStatus(workerrecord.StatusIdle)

	vmId := "local-" + name
	if m.registry != nil {
		if err := m.registry.Publish(ctx, vmId, name, "lieutenant"); err != nil {
			logger.Warn("registry publish failed", "error", err)
		}
	}

	m.mu.Lock()
	m.lieutenants[name] = &entry{name: name, role: role, vmId: vmId, isLocal: true, createdAt: createdAt, channel: channel, record: rec}
	m.mu.Unlock()
	m.recordAudit(ctx, name, "spawn", "local")
	m.triggerPersist()
	return nil
}

func (m *Manager) createRemote(ctx context.Context, name, role, commitId, prompt string, envVars map[string]string, model, createdAt string, logger *slog.Logger) error {
	vmId, err := m.vm.RestoreFromCommit(ctx, commitId)
	if err != nil {
		return fmt.Errorf("lieutenant: restore from commit: %w", err)
	}
	logger = logger.With("vmId", vmId)

	transport, err := m.bootstrapTransport(ctx, vmId)
	if err != nil {
		_ = m.vm.Delete(ctx, vmId)
		return fmt.Errorf("lieutenant: ssh bootstrap: %w", err)
	}

	if !m.pollReady(ctx, transport) {
		_ = m.vm.Delete(ctx, vmId)
		return fmt.Errorf("lieutenant: vm readiness timed out")
	}

	writeCmd := fmt.Sprintf("cat > %s", remoteSystemPromptPath)
	if err := sshtransport.ExecWithStdin(ctx, m.opts.SSHBinary, transport, writeCmd, prompt); err != nil {
		logger.Warn("write system prompt failed", "error", err)
	}

	workerCmd := fmt.Sprintf("%s --system-prompt %s", m.opts.remoteWorkerCmd(), remoteSystemPromptPath)

	rec := workerrecord.New(name, workerrecord.KindLieutenant, m.outputHistoryCap(), m.eventsRingCap())
	handler := workerrecord.BuildEventHandler(rec, func(string) { m.triggerPersist() })

	channel, err := rpcchannel.StartRpcAgent(ctx, rpcchannel.Options{
		SSHBinary:        m.opts.SSHBinary,
		Transport:        transport,
		ReadinessTimeout: m.readinessTimeout(),
	}, workerCmd, envVars, handler, logger)
	if err != nil {
		logger.Error("rpc channel start failed", "error", err)
		_ = m.vm.Delete(ctx, vmId)
		return fmt.Errorf("lieutenant: rpc channel: %w", err)
	}
	rec.SetStatus(workerrecord.StatusIdle)

	if model != "" {
		channel.Send(ctx, rpcchannel.SetModelCommand("anthropic", model))
	}
	if m.registry != nil {
		if err := m.registry.Publish(ctx, vmId, name, "lieutenant"); err != nil {
			logger.Warn("registry publish failed", "error", err)
		}
	}

	m.mu.Lock()
	m.lieutenants[name] = &entry{name: name, role: role, vmId: vmId, isLocal: false, createdAt: createdAt, channel: channel, record: rec}
	m.mu.Unlock()
	m.recordAudit(ctx, name, "spawn", "vm "+vmId+" from commit "+commitId)
	m.triggerPersist()
	return nil
}

func (m *Manager) bootstrapTransport(ctx context.Context, vmId string) (sshtransport.Options, error) {
	key, err := m.vm.GetSshKey(ctx, vmId)
	if err != nil {
		return sshtransport.Options{}, fmt.Errorf("fetch ssh key: %w", err)
	}
	identityFile, err := m.keys.Put(vmId, key.SshPrivateKey)
	if err != nil {
		return sshtransport.Options{}, fmt.Errorf("cache ssh key: %w", err)
	}
	return sshtransport.Options{
		VmId:         vmId,
		ProxySuffix:  m.opts.ProxySuffix,
		ProxyBinary:  m.opts.ProxyBinary,
		IdentityFile: identityFile,
	}, nil
}

func (m *Manager) pollReady(ctx context.Context, transport sshtransport.Options) bool {
	for attempt := 0; attempt < readinessPollAttempts; attempt++ {
		result, err := sshtransport.Exec(ctx, m.opts.SSHBinary, transport, "echo ready")
		if err == nil && result.ExitCode == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readinessPollInterval):
		}
	}
	return false
}

// SendResult reports what actually happened with a Send call: the mode
// may have been silently downgraded from the caller's request.
type SendResult struct {
	Mode string
	Note string
}

// Send delivers message to name under mode ("", "prompt", "steer", or
// "followUp"; empty means "prompt"). The effective mode depends on the
// lieutenant's current status: a prompt sent while already working is
// downgraded to a follow-up rather than queued or rejected.
func (m *Manager) Send(ctx context.Context, name, message, mode string) (SendResult, error) {
	m.mu.Lock()
	e, ok := m.lieutenants[name]
	m.mu.Unlock()
	if !ok {
		return SendResult{}, ErrUnknown
	}

	status := e.record.Status()
	if status == workerrecord.StatusPaused {
		return SendResult{}, ErrPaused
	}

	var result SendResult
	switch mode {
	case "", "prompt":
		if status == workerrecord.StatusWorking {
			result.Mode = "followUp"
			result.Note = "lieutenant is already working; downgraded to a follow-up"
			m.recordAudit(ctx, name, "mode_downgrade", "prompt requested while working, sent as followUp")
			e.channel.Send(ctx, rpcchannel.FollowUpCommand(message))
		} else {
			result.Mode = "prompt"
			e.record.IncrementTaskCount()
			e.record.SetLastOutput("")
			e.record.SetStatus(workerrecord.StatusWorking)
			e.channel.Send(ctx, rpcchannel.PromptCommand(message))
		}
	case "steer":
		result.Mode = "steer"
		e.channel.Send(ctx, rpcchannel.SteerCommand(message))
	case "followUp":
		result.Mode = "followUp"
		e.channel.Send(ctx, rpcchannel.FollowUpCommand(message))
	default:
		return SendResult{}, fmt.Errorf("%w: %q", ErrUnknownSendMode, mode)
	}

	e.record.Touch()
	m.triggerPersist()
	return result, nil
}

// Pause transitions a remote, non-working lieutenant to the paused
// power state. Pausing an already-paused lieutenant is a no-op that
// reports as much rather than erroring.
func (m *Manager) Pause(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	e, ok := m.lieutenants[name]
	m.mu.Unlock()
	if !ok {
		return "", ErrUnknown
	}
	if e.isLocal {
		return "", ErrLocalNoPause
	}

	status := e.record.Status()
	if status == workerrecord.StatusPaused {
		return "already paused", nil
	}
	if status == workerrecord.StatusWorking {
		return "", ErrWorking
	}

	if err := m.vm.UpdateState(ctx, e.vmId, vmapi.StatePaused); err != nil {
		return "", fmt.Errorf("lieutenant: pause: %w", err)
	}
	e.record.SetStatus(workerrecord.StatusPaused)
	m.recordAudit(ctx, name, "pause", "")
	m.triggerPersist()
	return "paused", nil
}

// Resume transitions a paused remote lieutenant back to running,
// waits for its RPC multiplexer session to reappear, and (if
// Options.StrictResume is set) re-confirms liveness with a full
// handshake. The channel built at Create time is left in place: its
// tail goroutine reconnects on its own once the VM answers SSH again.
// A lieutenant that Reconnect rebuilt while paused has no channel yet;
// Resume attaches one with rpcchannel.ReconnectRpcAgent.
func (m *Manager) Resume(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.lieutenants[name]
	m.mu.Unlock()
	if !ok {
		return ErrUnknown
	}
	if e.isLocal {
		return ErrLocalNoResume
	}
	if e.record.Status() != workerrecord.StatusPaused {
		return ErrNotPaused
	}

	if err := m.vm.UpdateState(ctx, e.vmId, vmapi.StateRunning); err != nil {
		return fmt.Errorf("lieutenant: resume: update vm state: %w", err)
	}

	transport, err := m.bootstrapTransport(ctx, e.vmId)
	if err != nil {
		e.record.SetStatus(workerrecord.StatusError)
		m.recordAudit(ctx, name, "error", "resume: ssh bootstrap: "+err.Error())
		m.triggerPersist()
		return fmt.Errorf("lieutenant: resume: ssh bootstrap: %w", err)
	}

	ready := false
	for attempt := 0; attempt < m.resumePollAttempts(); attempt++ {
		result, err := sshtransport.Exec(ctx, m.opts.SSHBinary, transport, fmt.Sprintf("tmux has-session -t %s", remoteRpcSession))
		if err == nil && result.ExitCode == 0 {
			ready = true
			break
		}
		select {
		case <-ctx.Done():
			e.record.SetStatus(workerrecord.StatusError)
			m.recordAudit(ctx, name, "error", "resume: "+ctx.Err().Error())
			m.triggerPersist()
			return ctx.Err()
		case <-time.After(m.resumePollInterval()):
		}
	}
	if !ready {
		e.record.SetStatus(workerrecord.StatusError)
		m.recordAudit(ctx, name, "error", "resume: multiplexer session absent after resume")
		m.triggerPersist()
		return fmt.Errorf("lieutenant: resume: multiplexer session absent after resume")
	}

	if e.channel == nil {
		handler := workerrecord.BuildEventHandler(e.record, func(string) { m.triggerPersist() })
		channel, err := rpcchannel.ReconnectRpcAgent(ctx, rpcchannel.Options{
			SSHBinary: m.opts.SSHBinary, Transport: transport, ReadinessTimeout: m.readinessTimeout(),
		}, handler, m.logger.With("name", name, "vmId", e.vmId))
		if err != nil {
			e.record.SetStatus(workerrecord.StatusError)
			m.recordAudit(ctx, name, "error", "resume: reattach rpc channel: "+err.Error())
			m.triggerPersist()
			return fmt.Errorf("lieutenant: resume: reattach rpc channel: %w", err)
		}
		m.mu.Lock()
		e.channel = channel
		m.mu.Unlock()
	}

	if m.opts.StrictResume {
		if rc, ok := e.channel.(*rpcchannel.Channel); ok {
			if err := rc.Handshake(ctx); err != nil {
				e.record.SetStatus(workerrecord.StatusError)
				m.recordAudit(ctx, name, "error", "resume: strict handshake failed: "+err.Error())
				m.triggerPersist()
				return fmt.Errorf("lieutenant: resume: strict handshake failed: %w", err)
			}
		}
	}

	e.record.SetStatus(workerrecord.StatusIdle)
	m.recordAudit(ctx, name, "resume", "")
	m.triggerPersist()
	return nil
}

// Destroy tears down the lieutenant named name, or every tracked
// lieutenant if name is "*". Paused remote lieutenants are resumed
// first so the VM can actually be deleted. It returns a human-readable
// failure message per lieutenant whose VM could not be deleted.
func (m *Manager) Destroy(ctx context.Context, name string) []string {
	m.mu.Lock()
	var targets []*entry
	if name == "*" {
		for _, e := range m.lieutenants {
			targets = append(targets, e)
		}
		m.lieutenants = make(map[string]*entry)
	} else if e, ok := m.lieutenants[name]; ok {
		targets = append(targets, e)
		delete(m.lieutenants, name)
	}
	m.mu.Unlock()

	var failures []string
	for _, e := range targets {
		if !e.isLocal && e.record.Status() == workerrecord.StatusPaused {
			if err := m.vm.UpdateState(ctx, e.vmId, vmapi.StateRunning); err != nil {
				m.logger.Warn("resume before destroy failed", "name", e.name, "error", err)
			}
		}
		if e.channel != nil {
			e.channel.Kill(ctx)
		}

		if m.registry != nil {
			if err := m.registry.Deregister(ctx, e.vmId); err != nil {
				m.logger.Warn("registry deregister failed", "name", e.name, "error", err)
			}
		}
		if !e.isLocal {
			if err := m.vm.Delete(ctx, e.vmId); err != nil {
				failures = append(failures, fmt.Sprintf("%s: delete vm: %v", e.name, err))
			}
			if m.keys != nil {
				_ = m.keys.Remove(e.vmId)
			}
		}
		m.recordAudit(ctx, e.name, "destroy", "")
	}
	m.triggerPersist()
	return failures
}

// SnapshotEntry is one lieutenant's persisted state, as produced by
// Snapshot for internal/persistence to serialize.
type SnapshotEntry struct {
	Name           string
	Role           string
	VmId           string
	IsLocal        bool
	Status         string
	TaskCount      int
	CreatedAt      string
	LastActivityAt string
}

// Snapshot returns the current state of every tracked lieutenant.
func (m *Manager) Snapshot() []SnapshotEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SnapshotEntry, 0, len(m.lieutenants))
	for _, e := range m.lieutenants {
		out = append(out, SnapshotEntry{
			Name: e.name, Role: e.role, VmId: e.vmId, IsLocal: e.isLocal,
			Status: string(e.record.Status()), TaskCount: e.record.TaskCount(),
			CreatedAt: e.createdAt, LastActivityAt: e.record.LastActivityAt().Format(time.RFC3339),
		})
	}
	return out
}

// Record returns the live workerrecord.Record for name, for read-only
// observers such as the status page's live tail endpoint.
func (m *Manager) Record(name string) (*workerrecord.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lieutenants[name]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// Status reports name's current lifecycle status.
func (m *Manager) Status(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lieutenants[name]
	if !ok {
		return "", false
	}
	return string(e.record.Status()), true
}

// Reconnect is called at startup with the prior session's snapshot
// (and again, separately, with entries discovered from the external
// registry). For each non-local entry it checks the VM's live power
// state: paused VMs are reconstructed with no RPC attach, running VMs
// get a fresh channel via rpcchannel.ReconnectRpcAgent, and anything
// else is dropped. Local lieutenants never survive a process restart
// and are always skipped.
func (m *Manager) Reconnect(ctx context.Context, entries []SnapshotEntry) {
	for _, se := range entries {
		if se.IsLocal {
			continue
		}
		m.mu.Lock()
		_, already := m.lieutenants[se.Name]
		m.mu.Unlock()
		if already {
			continue
		}

		logger := m.logger.With("name", se.Name, "vmId", se.VmId)
		state, err := m.vm.GetStatus(ctx, se.VmId)
		if err != nil {
			logger.Warn("vm status check failed during reconnect, dropping", "error", err)
			continue
		}

		switch state {
		case vmapi.StatePaused:
			rec := workerrecord.New(se.Name, workerrecord.KindLieutenant, m.outputHistoryCap(), m.eventsRingCap())
			rec.SetStatus(workerrecord.StatusPaused)
			m.mu.Lock()
			m.lieutenants[se.Name] = &entry{name: se.Name, role: se.Role, vmId: se.VmId, createdAt: se.CreatedAt, record: rec}
			m.mu.Unlock()
			m.recordAudit(ctx, se.Name, "reconnect", "paused")

		case vmapi.StateRunning:
			transport, err := m.bootstrapTransport(ctx, se.VmId)
			if err != nil {
				logger.Warn("ssh bootstrap failed during reconnect, dropping", "error", err)
				continue
			}
			rec := workerrecord.New(se.Name, workerrecord.KindLieutenant, m.outputHistoryCap(), m.eventsRingCap())
			handler := workerrecord.BuildEventHandler(rec, func(string) { m.triggerPersist() })
			channel, err := rpcchannel.ReconnectRpcAgent(ctx, rpcchannel.Options{
				SSHBinary:        m.opts.SSHBinary,
				Transport:        transport,
				ReadinessTimeout: m.readinessTimeout(),
			}, handler, logger)
			if err != nil {
				logger.Warn("reconnect rpc agent failed, dropping", "error", err)
				continue
			}
			rec.SetStatus(workerrecord.StatusIdle)
			m.mu.Lock()
			m.lieutenants[se.Name] = &entry{name: se.Name, role: se.Role, vmId: se.VmId, createdAt: se.CreatedAt, channel: channel, record: rec}
			m.mu.Unlock()
			m.recordAudit(ctx, se.Name, "reconnect", "running")

		default:
			logger.Info("vm in unexpected state during reconnect, skipping", "state", state)
		}
	}
	m.triggerPersist()
}

func (m *Manager) triggerPersist() {
	m.refreshMetrics()
	if m.onMutate != nil {
		m.onMutate()
	}
}

func (m *Manager) refreshMetrics() {
	counts := map[workerrecord.Status]int{}
	m.mu.Lock()
	for _, e := range m.lieutenants {
		counts[e.record.Status()]++
	}
	m.mu.Unlock()
	for _, s := range []workerrecord.Status{
		workerrecord.StatusStarting, workerrecord.StatusIdle, workerrecord.StatusWorking,
		workerrecord.StatusPaused, workerrecord.StatusError, workerrecord.StatusDone,
	} {
		metrics.ActiveLieutenants.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Manager) readinessTimeout() time.Duration {
	if m.opts.ReadinessTimeout > 0 {
		return m.opts.ReadinessTimeout
	}
	return 45 * time.Second
}

func (m *Manager) outputHistoryCap() int {
	if m.opts.OutputHistoryCap > 0 {
		return m.opts.OutputHistoryCap
	}
	return 20
}

func (m *Manager) eventsRingCap() int {
	if m.opts.EventsRingCap > 0 {
		return m.opts.EventsRingCap
	}
	return 200
}

func (m *Manager) resumePollAttempts() int {
	return resumePollAttempts
}

func (m *Manager) resumePollInterval() time.Duration {
	return resumePollInterval
}
