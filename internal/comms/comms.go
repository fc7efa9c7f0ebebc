// Package comms holds the messages exchanged between the coordinator, relay
// workers and the operator side of the process.
package comms

import (
	"fmt"

	"github.com/google/uuid"
)

// JobReason says why a relay connection is wanted.
type JobReason uint8

const (
	ReasonFollow JobReason = iota + 1
	ReasonFetchMetadata
	ReasonPostEvent
	ReasonAdvertise
	ReasonInbox
)

func (r JobReason) String() string {
	switch r {
	case ReasonFollow:
		return "follow"
	case ReasonFetchMetadata:
		return "fetch_metadata"
	case ReasonPostEvent:
		return "post_event"
	case ReasonAdvertise:
		return "advertise"
	case ReasonInbox:
		return "inbox"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

func ParseJobReason(s string) (JobReason, error) {
	for r := ReasonFollow; r <= ReasonInbox; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown job reason %q", s)
}

// RelayJob is one unit of work a relay connection exists for.
type RelayJob struct {
	ID         uuid.UUID `json:"id"`
	Reason     JobReason `json:"reason"`
	Persistent bool      `json:"persistent"`
}

func NewRelayJob(reason JobReason, persistent bool) RelayJob {
	return RelayJob{ID: uuid.New(), Reason: reason, Persistent: persistent}
}

// ---- coordinator -> workers (broadcast) ----

type WorkerMessageKind uint8

const (
	WorkerShutdown WorkerMessageKind = iota + 1
	WorkerDropRelay
	WorkerSettingsChanged
)

func (k WorkerMessageKind) String() string {
	switch k {
	case WorkerShutdown:
		return "shutdown"
	case WorkerDropRelay:
		return "drop_relay"
	case WorkerSettingsChanged:
		return "settings_changed"
	default:
		return fmt.Sprintf("worker_message(%d)", uint8(k))
	}
}

// ToWorker is broadcast to every live relay worker. Target "" addresses all
// workers; otherwise only the worker for that relay URL acts on it.
type ToWorker struct {
	Kind   WorkerMessageKind
	Target string
}

func (m ToWorker) For(relay string) bool { return m.Target == "" || m.Target == relay }

// ---- anyone -> coordinator (FIFO) ----

// Command is consumed by the single coordinator loop.
type Command interface {
	commandName() string
}

// CommandName returns a stable name for logs.
func CommandName(c Command) string {
	if c == nil {
		return "nil"
	}
	return c.commandName()
}

type StartRelay struct {
	URL  string
	Jobs []RelayJob
}

type StopRelay struct {
	URL string
}

type SaveSettings struct{}

// DecisionRecorded reports a resolved pending item. Kind and Key identify the
// item for persistence; Key is empty for kinds that have no identity.
type DecisionRecorded struct {
	ItemID   uuid.UUID
	Kind     string
	Key      string
	Approved bool
	Remember bool
}

type PruneExpired struct{}

type ReconnectAll struct{}

type Shutdown struct{}

func (StartRelay) commandName() string       { return "start_relay" }
func (StopRelay) commandName() string        { return "stop_relay" }
func (SaveSettings) commandName() string     { return "save_settings" }
func (DecisionRecorded) commandName() string { return "decision_recorded" }
func (PruneExpired) commandName() string     { return "prune_expired" }
func (ReconnectAll) commandName() string     { return "reconnect_all" }
func (Shutdown) commandName() string         { return "shutdown" }
