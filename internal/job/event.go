package job

import "time"

// EventType tags the variant of a broadcast Event.
type EventType string

const (
	EventStateChanged EventType = "state"
	EventProgress     EventType = "progress"
	EventLog          EventType = "log"
	EventDecision     EventType = "decision"
)

// Event is the tagged union broadcast by the EventBus. Only the fields
// relevant to Type are populated; the rest are left at their zero value so
// JSON encoding omits them.
type Event struct {
	Type  EventType `json:"event"`
	JobID int64     `json:"job_id"`

	// EventStateChanged
	State State `json:"state,omitempty"`

	// EventProgress
	ProgressPct float64       `json:"pct,omitempty"`
	Time        time.Duration `json:"time,omitempty"`

	// EventLog
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// EventDecision
	Action Action `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

// StateChanged builds a JobStateChanged event.
func StateChanged(jobID int64, s State) Event {
	return Event{Type: EventStateChanged, JobID: jobID, State: s, At: time.Now()}
}

// Progress builds a Progress event.
func Progress(jobID int64, pct float64, t time.Duration) Event {
	return Event{Type: EventProgress, JobID: jobID, ProgressPct: pct, Time: t, At: time.Now()}
}

// Log builds a Log event. The Worker emits one alongside every Progress
// event, summarizing that encoder progress tick.
func Log(jobID int64, level, message string) Event {
	return Event{Type: EventLog, JobID: jobID, Level: level, Message: message, At: time.Now()}
}

// DecisionEvent builds a Decision event.
func DecisionEvent(jobID int64, action Action, reason string) Event {
	return Event{Type: EventDecision, JobID: jobID, Action: action, Reason: reason, At: time.Now()}
}

// IsTerminalState reports whether this event is the final JobStateChanged for
// a job — the one the EventBus's lag-recovery guarantee must never drop.
func (e Event) IsTerminalState() bool {
	return e.Type == EventStateChanged && e.State.IsTerminal()
}
