package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/recognition"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

const (
	stateKey         = "conversation"
	lifecycleTimeout = 10 * time.Second
)

// Session orchestrates a conversation: backend lifecycle, speech capture
// and turn attribution.
type Session struct {
	capture   Capture
	flusher   *Flusher
	lifecycle Lifecycle
	gate      Eligibility
	persist   recognition.Persister
	lang      string
	logger    zerolog.Logger

	// OnChange observes every state change. It runs with the session lock
	// held and must not call back into the session.
	OnChange func(State)

	// mu serializes flushes with speaker and lifecycle changes so a turn is
	// always attributed to the speaker who was active when it was spoken.
	mu sync.Mutex
	st State
}

// NewSession builds a session and restores persisted state. persist may be nil.
func NewSession(ctx context.Context, c Capture, lc Lifecycle, turns TurnAppender, gate Eligibility, persist recognition.Persister, lang string) *Session {
	s := &Session{
		capture:   c,
		flusher:   NewFlusher(c, turns),
		lifecycle: lc,
		gate:      gate,
		persist:   persist,
		lang:      lang,
		logger:    logging.Component("conversation"),
		st:        State{ActiveSpeaker: SpeakerPatient},
	}
	if persist != nil {
		var st State
		ok, err := persist.Load(ctx, stateKey, &st)
		if err != nil {
			s.logger.Warn().Err(err).Msg("conversation state restore failed")
		} else if ok {
			if !st.ActiveSpeaker.Valid() {
				st.ActiveSpeaker = SpeakerPatient
			}
			s.st = st
		}
	}
	return s
}

// State returns a copy of the conversation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Active reports whether a conversation is running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Active
}

// LeaveRequiresConfirmation is true while a conversation is running.
func (s *Session) LeaveRequiresConfirmation() bool { return s.Active() }

// Start opens a conversation with personID and begins capture.
func (s *Session) Start(ctx context.Context, personID recognition.PersonID) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if personID == 0 || !s.gate.IsEligibleFor(personID, s.st.Active) {
		return s.st, ErrNotEligible
	}

	lctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
	res, err := s.lifecycle.StartConversation(lctx, personID, s.lang)
	cancel()
	if err != nil {
		return s.st, fmt.Errorf("%w: %v", ErrStartRejected, err)
	}
	if !res.OK {
		return s.st, ErrStartRejected
	}

	s.st.Active = true
	s.st.ConversationID = res.ConversationID
	s.st.PersonID = personID
	s.saveLocked()

	l := s.logger.With().Int64("conversation_id", int64(res.ConversationID)).Logger()
	l.Info().Int64("person_id", int64(personID)).Str("speaker", string(s.st.ActiveSpeaker)).Msg("conversation started")
	if err := s.capture.Start(s.lang); err != nil {
		// conversation stays open; turns simply will not be captured
		l.Warn().Err(err).Msg("speech capture unavailable")
	}
	return s.st, nil
}

// PauseToggle pauses a live conversation or resumes a paused one. It
// reports whether capture is paused afterwards.
func (s *Session) PauseToggle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.Active {
		return false, ErrNotActive
	}

	lctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
	defer cancel()
	id := s.st.ConversationID
	l := s.logger.With().Int64("conversation_id", int64(id)).Logger()

	if s.capture.State() != speech.StatePaused {
		if err := s.lifecycle.PauseConversation(lctx, id); err != nil {
			l.Warn().Err(err).Msg("backend pause failed")
		}
		s.capture.Pause()
		l.Info().Msg("conversation paused")
		s.notifyLocked()
		return true, nil
	}
	if err := s.lifecycle.ResumeConversation(lctx, id); err != nil {
		l.Warn().Err(err).Msg("backend resume failed")
	}
	s.capture.Resume()
	l.Info().Msg("conversation resumed")
	s.notifyLocked()
	return false, nil
}

// Stop commits the last turn, ends capture and closes the conversation. It
// returns the person the conversation was with so the caller can reopen
// their profile.
func (s *Session) Stop(ctx context.Context) (recognition.PersonID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.st.ConversationID
	s.flusher.Flush(ctx, TriggerStop, id, s.st.ActiveSpeaker)
	s.capture.Stop()

	if id != 0 {
		lctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
		if err := s.lifecycle.StopConversation(lctx, id); err != nil {
			s.logger.Warn().Err(err).Int64("conversation_id", int64(id)).Msg("backend stop failed")
		}
		cancel()
	}

	prev := s.st.PersonID
	s.st.Active = false
	s.st.ConversationID = 0
	s.st.PersonID = 0
	s.saveLocked()
	s.logger.Info().Int64("conversation_id", int64(id)).Msg("conversation stopped")
	return prev, nil
}

// SetSpeaker commits the outgoing speaker's text and then switches.
func (s *Session) SetSpeaker(ctx context.Context, sp Speaker) error {
	if !sp.Valid() {
		return ErrBadSpeaker
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.st.ActiveSpeaker
	s.flusher.Flush(ctx, TriggerSpeakerSwitch, s.st.ConversationID, prev)
	s.st.ActiveSpeaker = sp
	s.saveLocked()
	s.logger.Debug().Str("from", string(prev)).Str("to", string(sp)).Msg("speaker switched")
	return nil
}

// Rejoin restarts capture for a conversation that was still open when the
// process last exited. It reports whether there was one.
func (s *Session) Rejoin(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.Active || s.st.ConversationID == 0 {
		return false
	}
	l := s.logger.With().Int64("conversation_id", int64(s.st.ConversationID)).Logger()
	if err := s.capture.Start(s.lang); err != nil {
		l.Warn().Err(err).Msg("rejoin capture failed")
	}
	l.Info().Msg("rejoined open conversation")
	s.notifyLocked()
	return true
}

func (s *Session) saveLocked() {
	if s.persist != nil {
		if err := s.persist.Save(context.Background(), stateKey, s.st); err != nil {
			s.logger.Warn().Err(err).Msg("conversation state persist failed")
		}
	}
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	if s.OnChange != nil {
		s.OnChange(s.st)
	}
}
