package conversation

import (
	"context"
	"errors"

	"github.com/chadiek/memoir-glasses/internal/recognition"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

// Speaker labels who a turn is attributed to.
type Speaker string

const (
	SpeakerPatient Speaker = "Patient"
	SpeakerVisitor Speaker = "Visitor"
)

// Valid reports whether s is one of the two known speakers.
func (s Speaker) Valid() bool { return s == SpeakerPatient || s == SpeakerVisitor }

// Trigger says why a flush happened.
type Trigger string

const (
	TriggerSpeakerSwitch Trigger = "speaker-switch"
	TriggerStop          Trigger = "stop"
)

// ID is a backend conversation id. Zero means none.
type ID int64

// Turn is one contiguous stretch of speech by a single speaker.
type Turn struct {
	ConversationID ID       `json:"conversation_id"`
	Text           string   `json:"text"`
	Speaker        Speaker  `json:"speaker"`
	Confidence     *float64 `json:"confidence"`
	Language       string   `json:"lang"`
}

// State is the conversation as the wearer sees it.
type State struct {
	Active         bool                 `json:"active"`
	ConversationID ID                   `json:"conversation_id"`
	PersonID       recognition.PersonID `json:"person_id"`
	ActiveSpeaker  Speaker              `json:"active_speaker"`
}

// StartResult is the backend answer to opening a conversation.
type StartResult struct {
	OK             bool
	ConversationID ID
}

// Lifecycle is the backend conversation API.
type Lifecycle interface {
	StartConversation(ctx context.Context, personID recognition.PersonID, lang string) (StartResult, error)
	PauseConversation(ctx context.Context, id ID) error
	ResumeConversation(ctx context.Context, id ID) error
	StopConversation(ctx context.Context, id ID) error
}

// TurnAppender stores a finished turn.
type TurnAppender interface {
	AppendTurn(ctx context.Context, t Turn) error
}

// Capture is the part of the speech engine a session drives.
type Capture interface {
	Start(lang string) error
	Pause()
	Resume()
	Stop()
	State() speech.State
	Language() string
	Take() (speech.Buffer, bool)
	Refresh()
}

// Eligibility decides whether a conversation with a person may start.
type Eligibility interface {
	IsEligibleFor(personID recognition.PersonID, conversationActive bool) bool
}

var (
	ErrNotEligible   = errors.New("recognize the person on screen first to start a conversation")
	ErrStartRejected = errors.New("could not start conversation")
	ErrNotActive     = errors.New("no active conversation")
	ErrBadSpeaker    = errors.New("unknown speaker")
)

// IsUserError reports whether err is a wearer-facing message.
func IsUserError(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrStartRejected) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrBadSpeaker)
}
