// Package swarm manages ephemeral, fire-and-forget coding-agent workers:
// batch-spawning them from a golden commit, dispatching one task each,
// waiting on completion, and tearing the batch down.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/orchestrator/internal/idgen"
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

	remoteIdentityPath = "/tmp/identity.json"
	remoteStatusDir    = "/tmp/pi-status"
	defaultWorkerCmd   = "agent --mode rpc"
	defaultMaxDepth    = 1
)

// RegistryPublisher is the optional external-registry collaborator a
// Manager publishes spawned agents to. Both methods are best-effort:
// callers must not let a registry failure fail the calling operation.
type RegistryPublisher interface {
	Publish(ctx context.Context, vmId, name, role string) error
	Deregister(ctx context.Context, vmId string) error
}

// AuditRecorder is the optional lifecycle-journal collaborator.
// workerKind is always "swarm"; transition is "spawn" or "destroy".
// Recording is best-effort: a journal failure never fails the
// operation that triggered it.
type AuditRecorder interface {
	Record(ctx context.Context, workerName, workerKind, transition, detail, occurredAt string) error
}

// Options configures a Manager.
type Options struct {
	SSHBinary   string
	ProxySuffix string
	ProxyBinary string
	WorkerCmd   string // default "agent --mode rpc"

	ReadinessTimeout    time.Duration // RPC channel handshake ceiling, default 45s
	SummaryTailChars    int           // wait() output truncation, default 500
	DefaultReadTailSize int           // read() default truncation, default 5000
	OutputHistoryCap    int           // default 20
	EventsRingCap       int           // default 200
	WaitPollInterval    time.Duration // default 2s
	WaitDefaultTimeout  time.Duration // default 300s
}

func (o Options) workerCmd() string {
	if o.WorkerCmd != "" {
		return o.WorkerCmd
	}
	return defaultWorkerCmd
}

type agentEntry struct {
	label   string
	vmId    string
	channel *rpcchannel.Channel
	record  *workerrecord.Record
}

// Manager tracks one batch (or successive batches) of swarm workers.
type Manager struct {
	vm       *vmapi.Client
	keys     *sshtransport.KeyStore
	registry RegistryPublisher
	audit    AuditRecorder
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	agents   map[string]*agentEntry
	rootVmId string
}

// New constructs a Manager. registry and audit may both be nil;
// registry disables external registry publication, audit disables the
// lifecycle journal.
func New(vm *vmapi.Client, keys *sshtransport.KeyStore, registry RegistryPublisher, opts Options, audit AuditRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vm:       vm,
		keys:     keys,
		registry: registry,
		audit:    audit,
		logger:   logger.With("component", "swarm"),
		opts:     opts,
		agents:   make(map[string]*agentEntry),
	}
}

// recordAudit appends a best-effort lifecycle journal entry. Failures
// are logged and otherwise swallowed.
func (m *Manager) recordAudit(ctx context.Context, label, transition, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, label, "swarm", transition, detail, time.Now().Format(time.RFC3339)); err != nil {
		m.logger.Warn("audit record failed", "label", label, "transition", transition, "error", err)
	}
}

// AgentSpawnStatus reports the outcome of spawning one agent.
type AgentSpawnStatus struct {
	Label  string
	VmId   string
	Status string // "ok" or "error: <reason>"
}

// SpawnResult is the outcome of one Spawn call.
type SpawnResult struct {
	Agents  []AgentSpawnStatus
	Summary string
}

type identityFile struct {
	VmId       string `json:"vmId"`
	AgentId    string `json:"agentId"`
	RootVmId   string `json:"rootVmId"`
	ParentVmId string `json:"parentVmId"`
	Depth      int    `json:"depth"`
	MaxDepth   int    `json:"maxDepth"`
	MaxVms     int    `json:"maxVms"`
	CreatedAt  string `json:"createdAt"`
}

// Spawn branches count VMs from commitId, boots the worker binary on
// each, and installs the standard event handler. Agents that fail any
// step are recorded with an error status rather than aborting the
// whole batch. createdAt should be an RFC3339 timestamp supplied by the
// caller (the orchestrator composition root owns wall-clock time).
func (m *Manager) Spawn(ctx context.Context, commitId string, count int, labels []string, envVars map[string]string, model string, createdAt string) (*SpawnResult, error) {
	result := &SpawnResult{}
	succeeded := 0

	for i := 0; i < count; i++ {
		label := idgen.AgentLabel(i)
		if i < len(labels) && labels[i] != "" {
			label = labels[i]
		}

		status, ok := m.spawnOne(ctx, commitId, label, i, count, envVars, model, createdAt)
		result.Agents = append(result.Agents, AgentSpawnStatus{Label: label, VmId: status.vmId, Status: status.message})
		if ok {
			succeeded++
		}
	}

	result.Summary = fmt.Sprintf("spawned %d/%d agents from commit %s", succeeded, count, commitId)
	return result, nil
}

type spawnOutcome struct {
	vmId    string
	message string
}

func (m *Manager) spawnOne(ctx context.Context, commitId, label string, index, batchSize int, envVars map[string]string, model, createdAt string) (spawnOutcome, bool) {
	logger := m.logger.With("label", label)

	vmId, err := m.vm.RestoreFromCommit(ctx, commitId)
	if err != nil {
		logger.Error("restore from commit failed", "error", err)
		return spawnOutcome{message: fmt.Sprintf("error: restore from commit: %v", err)}, false
	}

	m.mu.Lock()
	if m.rootVmId == "" {
		m.rootVmId = vmId
	}
	rootVmId := m.rootVmId
	m.mu.Unlock()

	transport, err := m.bootstrapTransport(ctx, vmId)
	if err != nil {
		logger.Error("bootstrap ssh transport failed", "error", err)
		_ = m.vm.Delete(ctx, vmId)
		return spawnOutcome{vmId: vmId, message: fmt.Sprintf("error: ssh bootstrap: %v", err)}, false
	}

	if !m.pollReady(ctx, transport) {
		logger.Error("vm never became ready")
		_ = m.vm.Delete(ctx, vmId)
		return spawnOutcome{vmId: vmId, message: "error: vm readiness timed out"}, false
	}

	if err := m.writeIdentity(ctx, transport, identityFile{
		VmId: vmId, AgentId: label, RootVmId: rootVmId, ParentVmId: "local",
		Depth: 0, MaxDepth: defaultMaxDepth, MaxVms: batchSize, CreatedAt: createdAt,
	}); err != nil {
		logger.Warn("write identity.json failed", "error", err)
	}
	if index == 0 {
		if _, err := sshtransport.Exec(ctx, m.opts.SSHBinary, transport, fmt.Sprintf("mkdir -p %s", remoteStatusDir)); err != nil {
			logger.Warn("init status dir failed", "error", err)
		}
	}

	rec := workerrecord.New(label, workerrecord.KindSwarm, m.outputHistoryCap(), m.eventsRingCap())
	handler := workerrecord.BuildEventHandler(rec, nil)

	channel, err := rpcchannel.StartRpcAgent(ctx, rpcchannel.Options{
		SSHBinary:        m.opts.SSHBinary,
		Transport:        transport,
		ReadinessTimeout: m.readinessTimeout(),
	}, m.opts.workerCmd(), envVars, handler, logger)
	if err != nil {
		logger.Error("rpc channel start failed", "error", err)
		_ = m.vm.Delete(ctx, vmId)
		return spawnOutcome{vmId: vmId, message: fmt.Sprintf("error: rpc channel: %v", err)}, false
	}

	if model != "" {
		channel.Send(ctx, rpcchannel.SetModelCommand("anthropic", model))
	}

	if m.registry != nil {
		if err := m.registry.Publish(ctx, vmId, label, "swarm"); err != nil {
			logger.Warn("registry publish failed", "error", err)
		}
	}

	m.mu.Lock()
	m.agents[label] = &agentEntry{label: label, vmId: vmId, channel: channel, record: rec}
	m.mu.Unlock()
	metrics.ActiveSwarmWorkers.Inc()
	m.recordAudit(ctx, label, "spawn", "vm "+vmId+" from commit "+commitId)

	return spawnOutcome{vmId: vmId, message: "ok"}, true
}

func (m *Manager) bootstrapTransport(ctx context.Context, vmId string) (sshtransport.Options, error) {
	key, err := m.vm.GetSshKey(ctx, vmId)
	if err != nil {
		return sshtransport.Options{}, fmt.Errorf("fetch ssh key: %w", err)
	}
	identityFilePath, err := m.keys.Put(vmId, key.SshPrivateKey)
	if err != nil {
		return sshtransport.Options{}, fmt.Errorf("cache ssh key: %w", err)
	}
	return sshtransport.Options{
		VmId:         vmId,
		ProxySuffix:  m.opts.ProxySuffix,
		ProxyBinary:  m.opts.ProxyBinary,
		IdentityFile: identityFilePath,
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

func (m *Manager) writeIdentity(ctx context.Context, transport sshtransport.Options, id identityFile) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	remoteCmd := fmt.Sprintf("cat > %s", remoteIdentityPath)
	return sshtransport.ExecWithStdin(ctx, m.opts.SSHBinary, transport, remoteCmd, string(data))
}

// SendTask dispatches task to agentId, clearing its prior output and
// marking it working. Returns an error if agentId is unknown.
func (m *Manager) SendTask(ctx context.Context, agentId, task string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentId]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("swarm: unknown agent %q", agentId)
	}
	entry.record.SetStatus(workerrecord.StatusWorking)
	entry.record.SetLastOutput("")
	entry.channel.Send(ctx, rpcchannel.PromptCommand(task))
	return nil
}

// AgentSummary is one agent's entry in a WaitResult.
type AgentSummary struct {
	Id     string
	Status string
	Output string // truncated to SummaryTailChars; call Read for the full text
}

// WaitResult is the outcome of a Wait call.
type WaitResult struct {
	ElapsedSeconds float64
	TimedOut       bool
	Agents         []AgentSummary
}

// Wait polls agentIds (or all known agents if empty) until every target
// reaches a terminal status (done, error, or unknown) or timeout
// elapses, or ctx is cancelled. timeout <= 0 uses WaitDefaultTimeout.
func (m *Manager) Wait(ctx context.Context, agentIds []string, timeout time.Duration) *WaitResult {
	if timeout <= 0 {
		timeout = m.waitDefaultTimeout()
	}
	targets := agentIds
	if len(targets) == 0 {
		m.mu.Lock()
		for id := range m.agents {
			targets = append(targets, id)
		}
		m.mu.Unlock()
	}

	start := time.Now()
	deadline := time.After(timeout)
	ticker := time.NewTicker(m.waitPollInterval())
	defer ticker.Stop()

	for {
		if m.allTerminal(targets) {
			return m.summarize(targets, start)
		}
		select {
		case <-ctx.Done():
			return m.summarize(targets, start)
		case <-deadline:
			return m.summarize(targets, start)
		case <-ticker.C:
		}
	}
}

func (m *Manager) allTerminal(targets []string) bool {
	for _, id := range targets {
		m.mu.Lock()
		entry, ok := m.agents[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		s := entry.record.Status()
		if s != workerrecord.StatusDone && s != workerrecord.StatusError {
			return false
		}
	}
	return true
}

func (m *Manager) summarize(targets []string, start time.Time) *WaitResult {
	elapsed := time.Since(start).Seconds()
	timedOut := false
	summaries := make([]AgentSummary, 0, len(targets))
	for _, id := range targets {
		m.mu.Lock()
		entry, ok := m.agents[id]
		m.mu.Unlock()
		if !ok {
			summaries = append(summaries, AgentSummary{Id: id, Status: "unknown"})
			continue
		}
		s := entry.record.Status()
		if s == workerrecord.StatusWorking {
			timedOut = true
		}
		summaries = append(summaries, AgentSummary{
			Id:     id,
			Status: string(s),
			Output: sanitize.Tail(entry.record.LastOutput(), m.summaryTailChars()),
		})
	}
	return &WaitResult{ElapsedSeconds: elapsed, TimedOut: timedOut, Agents: summaries}
}

// Read returns agentId's accumulated output. tail < 0 uses
// DefaultReadTailSize; tail == 0 returns the full output.
func (m *Manager) Read(agentId string, tail int) (string, error) {
	m.mu.Lock()
	entry, ok := m.agents[agentId]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("swarm: unknown agent %q", agentId)
	}
	out := entry.record.LastOutput()
	n := tail
	if n < 0 {
		n = m.defaultReadTailSize()
	}
	if n == 0 {
		return out, nil
	}
	return sanitize.Tail(out, n), nil
}

// Record returns the live workerrecord.Record for agentId, for
// read-only observers such as the status page's live tail endpoint.
func (m *Manager) Record(agentId string) (*workerrecord.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentId]
	if !ok {
		return nil, false
	}
	return entry.record, true
}

// Status returns the current status of every tracked agent.
func (m *Manager) Status() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.agents))
	for id, entry := range m.agents {
		out[id] = string(entry.record.Status())
	}
	return out
}

// Teardown kills every agent's RPC channel, best-effort deregisters and
// deletes its VM, and clears the manager's maps. It returns a
// human-readable failure message per agent that could not be deleted.
func (m *Manager) Teardown(ctx context.Context) []string {
	m.mu.Lock()
	entries := make([]*agentEntry, 0, len(m.agents))
	for _, entry := range m.agents {
		entries = append(entries, entry)
	}
	m.agents = make(map[string]*agentEntry)
	m.mu.Unlock()

	var failures []string
	for _, entry := range entries {
		entry.channel.Kill(ctx)

		if m.registry != nil {
			if err := m.registry.Deregister(ctx, entry.vmId); err != nil {
				m.logger.Warn("registry deregister failed", "vmId", entry.vmId, "error", err)
			}
		}

		if err := m.vm.Delete(ctx, entry.vmId); err != nil {
			failures = append(failures, fmt.Sprintf("%s: delete vm: %v", entry.label, err))
		}
		if m.keys != nil {
			_ = m.keys.Remove(entry.vmId)
		}
		metrics.ActiveSwarmWorkers.Dec()
		m.recordAudit(ctx, entry.label, "destroy", "")
	}
	return failures
}

func (m *Manager) readinessTimeout() time.Duration {
	if m.opts.ReadinessTimeout > 0 {
		return m.opts.ReadinessTimeout
	}
	return 45 * time.Second
}

func (m *Manager) summaryTailChars() int {
	if m.opts.SummaryTailChars > 0 {
		return m.opts.SummaryTailChars
	}
	return 500
}

func (m *Manager) defaultReadTailSize() int {
	if m.opts.DefaultReadTailSize > 0 {
		return m.opts.DefaultReadTailSize
	}
	return 5000
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

func (m *Manager) waitPollInterval() time.Duration {
	if m.opts.WaitPollInterval > 0 {
		return m.opts.WaitPollInterval
	}
	return 2 * time.Second
}

func (m *Manager) waitDefaultTimeout() time.Duration {
	if m.opts.WaitDefaultTimeout > 0 {
		return m.opts.WaitDefaultTimeout
	}
	return 300 * time.Second
}
