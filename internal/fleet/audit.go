package fleet

import (
	"context"

	"github.com/agentfleet/orchestrator/internal/auditlog"
)

// auditAdapter bridges auditlog.Log's typed Record method (WorkerKind,
// Transition) to the plain-string AuditRecorder interface swarm.Manager
// and lieutenant.Manager each declare independently, so neither package
// needs to import internal/auditlog directly.
type auditAdapter struct {
	log *auditlog.Log
}

func (a auditAdapter) Record(ctx context.Context, workerName, workerKind, transition, detail, occurredAt string) error {
	return a.log.Record(ctx, workerName, auditlog.WorkerKind(workerKind), auditlog.Transition(transition), detail, occurredAt)
}
