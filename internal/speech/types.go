package speech

import (
	"context"
	"errors"
)

// EventKind tags what a recognizer reported.
type EventKind int

const (
	EventResult EventKind = iota
	EventEnd
	EventError
)

// Result is one recognizer hypothesis. Confidence is nil when the provider
// does not report one.
type Result struct {
	Transcript string
	Final      bool
	Confidence *float64
}

// Event is a single message from a live recognition stream. For result
// events, Results[ResultIndex:] are the newly available entries.
type Event struct {
	Kind        EventKind
	ResultIndex int
	Results     []Result
	Err         error
}

// Options configures a recognition session.
type Options struct {
	Language        string
	Continuous      bool
	InterimResults  bool
	MaxAlternatives int
}

// Recognizer is the speech recognition capability. A recognizer may be
// started again after it ended; Events stays valid for its whole lifetime.
type Recognizer interface {
	Start(ctx context.Context, opts Options) error
	Stop() error
	Events() <-chan Event
}

// ErrUnsupported is returned when no recognizer is configured.
var ErrUnsupported = errors.New("speech recognition not available")

// State is the lifecycle of the capture engine.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

// String returns the mic chip label for the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "live"
	case StatePaused:
		return "paused"
	default:
		return "off"
	}
}

// Buffer is the capture buffer. Finalized accumulates stable text for the
// current speaker, Interim is the evolving guess for the current utterance.
type Buffer struct {
	Finalized  string
	Interim    string
	Confidence *float64
}

// Preview is what the live transcript view renders.
type Preview struct {
	Finalized string `json:"finalized"`
	Interim   string `json:"interim"`
	Mic       string `json:"mic"`
	// Voice is set by callers that meter the raw audio.
	Voice bool `json:"voice"`
}
