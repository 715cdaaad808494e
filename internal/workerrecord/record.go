// Package workerrecord holds the in-memory state the orchestrator
// tracks per worker (swarm agent or lieutenant), and the event handler
// that keeps it in sync with the worker's RPC channel.
package workerrecord

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentfleet/orchestrator/internal/rpcchannel"
)

// Status is the lifecycle state of a tracked worker.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
	StatusDone     Status = "done"
)

// Kind distinguishes the two families of worker this record may belong
// to, since agent_end has different terminal statuses for each.
type Kind string

const (
	KindSwarm      Kind = "swarm"
	KindLieutenant Kind = "lieutenant"
)

// Record is the orchestrator's view of one worker: its lifecycle
// status, accumulated streaming output, and a bounded history of both
// completed outputs and raw events.
type Record struct {
	mu sync.Mutex

	AgentId string
	Kind    Kind

	status         Status
	lastOutput     string
	lastActivityAt time.Time
	taskCount      int

	outputHistory *ring
	eventsRing    *ring
}

// New creates a Record with the given ring-buffer capacities.
func New(agentId string, kind Kind, outputHistoryCap, eventsRingCap int) *Record {
	return &Record{
		AgentId:       agentId,
		Kind:          kind,
		status:        StatusStarting,
		outputHistory: newRing(outputHistoryCap),
		eventsRing:    newRing(eventsRingCap),
	}
}

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *Record) LastOutput() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOutput
}

func (r *Record) SetLastOutput(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOutput = s
}

func (r *Record) LastActivityAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivityAt
}

// TaskCount returns the number of prompts actually delivered (follow-up
// and steer messages do not increment it).
func (r *Record) TaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskCount
}

// IncrementTaskCount bumps the delivered-prompt counter by one.
func (r *Record) IncrementTaskCount() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskCount++
}

func (r *Record) OutputHistory() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputHistory.snapshot()
}

func (r *Record) EventsRing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventsRing.snapshot()
}

// markActivity sets lastActivityAt to now. Callers must hold r.mu.
func (r *Record) markActivity() {
	r.lastActivityAt = time.Now()
}

// Touch updates lastActivityAt to now. Callers use this after any
// direct interaction with a worker that doesn't already go through
// BuildEventHandler (e.g. a lieutenant send).
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markActivity()
}

// PersistFunc is called after an agent_end event fully mutates a
// Record, giving callers a hook to flush state (the lieutenant manager
// uses it to write the lieutenants snapshot).
type PersistFunc func(agentId string)

// BuildEventHandler returns an rpcchannel.EventHandler that keeps r in
// sync per the four recognized event families. onPersist may be nil.
func BuildEventHandler(r *Record, onPersist PersistFunc) rpcchannel.EventHandler {
	return func(ev rpcchannel.Event) {
		switch ev.Type {
		case rpcchannel.EventAgentStart:
			r.mu.Lock()
			r.status = StatusWorking
			r.lastOutput = ""
			r.markActivity()
			r.mu.Unlock()

		case rpcchannel.EventAgentEnd:
			r.mu.Lock()
			if r.Kind == KindSwarm {
				r.status = StatusDone
			} else {
				r.status = StatusIdle
			}
			if r.lastOutput != "" {
				r.outputHistory.push(r.lastOutput)
			}
			r.markActivity()
			r.mu.Unlock()
			if onPersist != nil {
				onPersist(r.AgentId)
			}

		case rpcchannel.EventMessageUpdate:
			if ev.AssistantMessageEvent != nil && ev.AssistantMessageEvent.Type == "text_delta" {
				r.mu.Lock()
				r.lastOutput += ev.AssistantMessageEvent.Delta
				r.mu.Unlock()
			}

		default:
			data, err := json.Marshal(ev.Raw)
			if err != nil {
				data, _ = json.Marshal(ev)
			}
			r.mu.Lock()
			r.eventsRing.push(string(data))
			r.mu.Unlock()
		}
	}
}
