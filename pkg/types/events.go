package types

// EventKind is the tag of a decoded wire frame.
type EventKind string

const (
	EventStart           EventKind = "start"
	EventProgress        EventKind = "progress"
	EventResult          EventKind = "result"
	EventComplete        EventKind = "complete"
	EventCreditExhausted EventKind = "credit_exhausted"
	EventFatalError      EventKind = "fatal_error"
	EventError           EventKind = "error"
)

// Known reports whether k is one of the protocol event kinds.
func (k EventKind) Known() bool {
	switch k {
	case EventStart, EventProgress, EventResult, EventComplete, EventCreditExhausted, EventFatalError, EventError:
		return true
	}
	return false
}

// FrameEvent is one decoded event+data unit.
type FrameEvent struct {
	Kind    EventKind
	Payload map[string]any
}

// State is the lifecycle state of a batch session.
type State string

const (
	StateIdle            State = "idle"
	StateStarting        State = "starting"
	StateStreaming       State = "streaming"
	StateCompleted       State = "completed"
	StateCreditExhausted State = "credit_exhausted"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCreditExhausted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// ErrorKind names one entry of the closed error taxonomy.
type ErrorKind string

const (
	CreditError  ErrorKind = "credit_error"
	BackendError ErrorKind = "backend_error"
	TimeoutError ErrorKind = "timeout_error"
	GenericError ErrorKind = "generic_error"
)

// ErrorClassification is the result of classifying a failed response or a
// transport error.
type ErrorClassification struct {
	Kind            ErrorKind `json:"kind"`
	Reason          string    `json:"reason"`
	Status          int       `json:"status,omitempty"`
	PreservePartial bool      `json:"preserve_partial"`
}

func (e *ErrorClassification) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

// Update is the single observable unit emitted by a session. Results is the
// full visible sequence, newest first; Flushed holds only the records added by
// this update, newest first.
type Update struct {
	SessionID string
	Results   []ResultRecord
	Flushed   []ResultRecord
	Stats     Stats
	Progress  Progress
	State     State
	Reason    string
	Error     *ErrorClassification
}
