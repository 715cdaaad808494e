// Package fleet is the composition root: it wires the VM API adapter,
// SSH transport, swarm and lieutenant managers, persistence, the audit
// log, and the status page into one runnable process, and owns the
// graceful-shutdown sequence, the way the teacher's hub.Server wires
// its services together.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentfleet/orchestrator/internal/auditlog"
	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/lieutenant"
	"github.com/agentfleet/orchestrator/internal/persistence"
	"github.com/agentfleet/orchestrator/internal/sshtransport"
	"github.com/agentfleet/orchestrator/internal/statuspage"
	"github.com/agentfleet/orchestrator/internal/swarm"
	"github.com/agentfleet/orchestrator/internal/vmapi"
)

// Server is the running orchestrator: both managers, their shared
// collaborators, and the operator-facing status page.
type Server struct {
	cfg *config.Config

	Swarm      *swarm.Manager
	Lieutenant *lieutenant.Manager

	registry *persistence.RegistryClient
	audit    *auditlog.Log

	httpServer *http.Server
	shutdownCh chan struct{}

	logger *slog.Logger
}

// New constructs a Server: opens the audit log, builds the VM API
// client and SSH key store, constructs both managers, and reconnects
// to whatever lieutenants survived a prior run. Call Serve to start
// the status page listener.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := slog.Default()

	vm := vmapi.New(cfg.VersBaseURL, cfg.VersAPIKey)

	keys, err := sshtransport.NewKeyStore()
	if err != nil {
		return nil, fmt.Errorf("fleet: create ssh key store: %w", err)
	}

	var registry *persistence.RegistryClient
	if cfg.RegistryEnabled() {
		registry = persistence.NewRegistryClient(cfg.VersInfraURL, cfg.VersAuthToken)
	}

	auditLog, err := auditlog.OpenLog(cfg.AuditLogPath())
	if err != nil {
		return nil, fmt.Errorf("fleet: open audit log: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		registry:   registry,
		audit:      auditLog,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	var swarmRegistry swarm.RegistryPublisher
	if registry != nil {
		swarmRegistry = registry
	}
	swarmAudit := auditAdapter{log: auditLog}
	s.Swarm = swarm.New(vm, keys, swarmRegistry, swarm.Options{
		SSHBinary:           cfg.SSHProxyBinary,
		ProxySuffix:         cfg.SSHProxySuffix,
		ProxyBinary:         cfg.SSHProxyBinary,
		ReadinessTimeout:    cfg.ReadinessTimeout,
		SummaryTailChars:    cfg.SummaryTailChars,
		DefaultReadTailSize: cfg.DefaultReadTailSize,
		OutputHistoryCap:    cfg.OutputHistoryCap,
		EventsRingCap:       cfg.EventsRingCap,
		WaitPollInterval:    cfg.WaitPollInterval,
		WaitDefaultTimeout:  cfg.WaitDefaultTimeout,
	}, swarmAudit, logger.With("component", "swarm"))

	var lieutenantRegistry lieutenant.RegistryPublisher
	if registry != nil {
		lieutenantRegistry = registry
	}
	lieutenantAudit := auditAdapter{log: auditLog}
	s.Lieutenant = lieutenant.New(vm, keys, lieutenantRegistry, lieutenant.Options{
		SSHBinary:        cfg.SSHProxyBinary,
		ProxySuffix:      cfg.SSHProxySuffix,
		ProxyBinary:      cfg.SSHProxyBinary,
		ReadinessTimeout: cfg.ReadinessTimeout,
		OutputHistoryCap: cfg.OutputHistoryCap,
		EventsRingCap:    cfg.EventsRingCap,
	}, s.flushSnapshot, lieutenantAudit, logger.With("component", "lieutenant"))

	if err := s.reconnect(ctx); err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("fleet: reconnect: %w", err)
	}

	mux := statuspage.NewMux(s.Swarm, s.Lieutenant, s.shutdownCh)
	h2cHandler := h2c.NewHandler(mux, &http2.Server{MaxConcurrentStreams: 250})
	s.httpServer = &http.Server{
		Addr:              cfg.StatusPageAddr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// reconnect loads the local snapshot, reattaches to whatever
// lieutenants it describes, then (if the external registry is
// configured) discovers any additional lieutenants the local snapshot
// missed and reattaches to those too.
func (s *Server) reconnect(ctx context.Context) error {
	snap, err := persistence.LoadSnapshot(s.cfg.SnapshotPath())
	if err != nil {
		return err
	}

	entries := make([]lieutenant.SnapshotEntry, 0, len(snap.Lieutenants))
	known := make(map[string]bool, len(snap.Lieutenants))
	for _, e := range snap.Lieutenants {
		entries = append(entries, lieutenant.SnapshotEntry{
			Name: e.Name, Role: e.Role, VmId: e.VmId, IsLocal: e.IsLocal,
			CreatedAt: e.CreatedAt,
		})
		known[e.Name] = true
	}
	s.Lieutenant.Reconnect(ctx, entries)

	if s.registry == nil {
		return nil
	}

	discovered, err := s.registry.DiscoverLieutenants(ctx)
	if err != nil {
		s.logger.Warn("fleet: registry discovery failed, continuing with local snapshot only", "error", err)
		return nil
	}

	var extra []lieutenant.SnapshotEntry
	for _, d := range discovered {
		if known[d.Name] {
			continue
		}
		extra = append(extra, lieutenant.SnapshotEntry{Name: d.Name, VmId: d.Id})
	}
	if len(extra) > 0 {
		s.Lieutenant.Reconnect(ctx, extra)
	}
	return nil
}

// flushSnapshot is the lieutenant manager's onMutate hook: it
// atomically re-persists the full lieutenant snapshot after every
// state-changing operation.
func (s *Server) flushSnapshot() {
	entries := s.Lieutenant.Snapshot()
	out := make([]persistence.SnapshotEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, persistence.SnapshotEntry{
			Name: e.Name, Role: e.Role, VmId: e.VmId, IsLocal: e.IsLocal,
			Status: e.Status, TaskCount: e.TaskCount,
			CreatedAt: e.CreatedAt, LastActivityAt: e.LastActivityAt,
		})
	}
	if err := persistence.SaveSnapshot(s.cfg.SnapshotPath(), out, time.Now().Format(time.RFC3339)); err != nil {
		s.logger.Error("fleet: snapshot flush failed", "error", err)
	}
}

// Serve starts the status page listener and blocks until ctx is
// cancelled, then runs the graceful-shutdown sequence: stop accepting
// new status-page connections, tear down every swarm worker still
// alive, flush a final snapshot, and close the audit log.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.StatusPageAddr)
	if err != nil {
		return fmt.Errorf("fleet: listen %s: %w", s.cfg.StatusPageAddr, err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info("fleet shutting down...")

		close(s.shutdownCh)

		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if ids := s.Swarm.Teardown(teardownCtx); len(ids) > 0 {
			s.logger.Info("tore down swarm workers on shutdown", "count", len(ids))
		}

		s.flushSnapshot()

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		_ = s.httpServer.Shutdown(httpCtx)

		close(shutdownDone)
	}()

	s.logger.Info("fleet listening", "addr", s.cfg.StatusPageAddr)
	err = s.httpServer.Serve(ln)
	<-shutdownDone

	if closeErr := s.audit.Close(); closeErr != nil {
		s.logger.Warn("fleet: audit log close failed", "error", closeErr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("fleet: serve: %w", err)
	}
	return nil
}
