// Package app wires the engine together for one process lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/audio"
	"github.com/chadiek/memoir-glasses/internal/backend"
	"github.com/chadiek/memoir-glasses/internal/config"
	"github.com/chadiek/memoir-glasses/internal/conversation"
	"github.com/chadiek/memoir-glasses/internal/httpserver"
	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/presence"
	"github.com/chadiek/memoir-glasses/internal/recognition"
	"github.com/chadiek/memoir-glasses/internal/rtc"
	"github.com/chadiek/memoir-glasses/internal/speech"
	"github.com/chadiek/memoir-glasses/internal/store"
	"github.com/chadiek/memoir-glasses/internal/transcript"
	"github.com/chadiek/memoir-glasses/internal/vision"
)

// voiceWindow is how recent audio energy must be for the mic chip to show
// the wearer is being heard.
const voiceWindow = 1500 * time.Millisecond

var errNoWebRTC = errors.New("webrtc mic ingest is disabled (AUDIO_SOURCE=local)")

// App owns every component and implements httpserver.Service.
type App struct {
	cfg       config.Config
	sessionID string
	logger    zerolog.Logger

	store      *store.StateStore
	hub        *httpserver.Hub
	backend    *backend.Client
	stream     *transcript.Stream
	engine     *speech.Engine
	detector   *presence.Detector
	gate       *recognition.Gate
	recognizer *recognition.Recognizer
	session    *conversation.Session
	rtc        *rtc.Handler
	mic        *audio.Mic

	dirty chan struct{}
	wg    sync.WaitGroup
}

// New opens the state store and builds every component from cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a := &App{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		store:     st,
		hub:       httpserver.NewHub(),
		backend:   backend.NewClient(cfg.BackendURL),
		dirty:     make(chan struct{}, 1),
	}
	a.logger = logging.Component("app").With().Str("session", a.sessionID).Logger()

	switch cfg.STTProvider {
	case config.ProviderAssemblyAI:
		a.stream = transcript.NewAssemblyAI(cfg.AssemblyAIKey)
	default:
		a.stream = transcript.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel)
	}
	if cfg.VADMode >= 0 {
		if err := a.stream.EnableVAD(cfg.VADMode); err != nil {
			a.logger.Warn().Err(err).Msg("voice activity detector unavailable, using energy meter")
		}
	}
	a.engine = speech.NewEngine(a.stream, speech.Config{Language: cfg.STTLang, RestartDelay: cfg.RestartDelay()}, a.onPreview)

	vc := vision.NewClient(cfg.VisionURL)
	a.detector = presence.NewDetector(vc, vc, a.hub, presence.Config{Interval: cfg.PresenceInterval()})
	a.detector.OnChange = func(present bool) {
		a.hub.Presence(present)
		a.markDirty()
	}

	a.gate = recognition.NewGate(ctx, st)
	a.gate.ResetForNewSession()
	a.gate.OnChange = func(recognition.Identity) { a.markDirty() }
	a.recognizer = recognition.NewRecognizer(a.gate, vc, vc, a.backend, cfg.MatchThreshold)

	a.session = conversation.NewSession(ctx, a.engine, a.backend, a.backend, a.gate, st, cfg.STTLang)
	a.session.OnChange = func(conversation.State) { a.markDirty() }

	if cfg.AudioSource == config.AudioLocal {
		a.mic = audio.NewMic(a.stream)
	} else {
		a.rtc = rtc.NewHandler(a.stream, cfg.ICEServers).WithControl(a.handleControl)
	}
	return a, nil
}

// Hub is the live feed the HTTP server exposes.
func (a *App) Hub() *httpserver.Hub { return a.hub }

// Start launches the background loops and rejoins a conversation left open
// by the previous run.
func (a *App) Start(ctx context.Context) {
	a.goRun(func() { a.engine.Run(ctx) })
	a.goRun(func() { a.detector.Run(ctx) })
	a.goRun(func() { a.publishLoop(ctx) })
	if a.mic != nil {
		a.goRun(func() {
			if err := a.mic.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("local mic capture stopped")
			}
		})
	}
	if a.session.Rejoin(ctx) {
		a.logger.Info().Int64("conversation_id", int64(a.session.State().ConversationID)).Msg("resumed conversation from previous run")
	}
	a.markDirty()
	a.logger.Info().Str("stt", a.cfg.STTProvider).Str("audio", a.cfg.AudioSource).Msg("engine started")
}

// Close stops the loops' resources. An active conversation is left open on
// the backend so the next run can rejoin it.
func (a *App) Close() error {
	if a.session.LeaveRequiresConfirmation() {
		a.logger.Warn().Int64("conversation_id", int64(a.session.State().ConversationID)).
			Msg("shutting down during an active conversation; it stays open for rejoin")
	}
	if a.rtc != nil {
		_ = a.rtc.Close()
	}
	if err := a.stream.Stop(); err != nil {
		a.logger.Debug().Err(err).Msg("stt stream stop")
	}
	a.wg.Wait()
	return a.store.Close()
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// markDirty schedules a state broadcast. Component callbacks run under
// their own locks, so the snapshot is taken on the publish loop instead.
func (a *App) markDirty() {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

func (a *App) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.dirty:
			a.hub.Broadcast(httpserver.MsgState, a.Snapshot())
		}
	}
}

func (a *App) onPreview(p speech.Preview) {
	p.Voice = a.stream.RecentlyDetectedVoice(voiceWindow)
	a.hub.Preview(p)
}

// Snapshot implements httpserver.Service.
func (a *App) Snapshot() httpserver.State {
	cs := a.session.State()
	present := a.detector.Present()
	buf := a.engine.Snapshot()
	return httpserver.State{
		Identity:                  a.gate.Identity(),
		Conversation:              cs,
		Present:                   present,
		CanRecognize:              a.gate.CanRecognize(present, cs.Active),
		CanStart:                  a.gate.IsEligibleToStart(cs.Active),
		LeaveRequiresConfirmation: cs.Active,
		Preview: speech.Preview{
			Finalized: buf.Finalized,
			Interim:   buf.Interim,
			Mic:       a.engine.State().String(),
			Voice:     a.stream.RecentlyDetectedVoice(voiceWindow),
		},
	}
}

// Recognize matches the face in view.
func (a *App) Recognize(ctx context.Context) (recognition.PersonID, error) {
	return a.recognizer.Recognize(ctx, a.detector.Present(), a.session.Active())
}

// Enroll attaches the face in view to personID, or to the displayed
// person when personID is zero.
func (a *App) Enroll(ctx context.Context, personID recognition.PersonID) error {
	if personID == 0 {
		personID = a.gate.Identity().DisplayedPersonID
	}
	return a.recognizer.Enroll(ctx, personID, a.detector.Present())
}

// StartConversation opens a conversation with personID.
func (a *App) StartConversation(ctx context.Context, personID recognition.PersonID) (conversation.State, error) {
	return a.session.Start(ctx, personID)
}

// PauseToggle pauses or resumes the conversation.
func (a *App) PauseToggle(ctx context.Context) (bool, error) {
	return a.session.PauseToggle(ctx)
}

// StopConversation ends the conversation and goes back to the person's
// profile.
func (a *App) StopConversation(ctx context.Context) (recognition.PersonID, error) {
	prior, err := a.session.Stop(ctx)
	if err != nil {
		return 0, err
	}
	if prior != 0 {
		a.gate.OnProfileOpened(prior)
	}
	return prior, nil
}

// SetSpeaker switches the active speaker.
func (a *App) SetSpeaker(ctx context.Context, sp conversation.Speaker) error {
	return a.session.SetSpeaker(ctx, sp)
}

// People lists known people.
func (a *App) People(ctx context.Context) ([]backend.Person, error) {
	return a.backend.People(ctx)
}

// OpenProfile fetches a person and makes them the displayed profile.
func (a *App) OpenProfile(ctx context.Context, id recognition.PersonID) (backend.Profile, error) {
	p, err := a.backend.Person(ctx, id)
	if err != nil {
		return backend.Profile{}, err
	}
	a.gate.OnProfileOpened(id)
	return p.Profile(), nil
}

// HandleOffer answers the glasses' WebRTC mic offer.
func (a *App) HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	if a.rtc == nil {
		return rtc.SessionDescription{}, errNoWebRTC
	}
	return a.rtc.HandleOffer(ctx, offer)
}

// handleControl applies a command sent over the WebRTC data channel.
func (a *App) handleControl(ctx context.Context, cmd rtc.Command) {
	l := a.logger.With().Str("command", string(cmd.Kind)).Logger()
	var err error
	switch cmd.Kind {
	case rtc.CommandSpeaker:
		err = a.session.SetSpeaker(ctx, conversation.Speaker(cmd.Speaker))
	case rtc.CommandPause:
		_, err = a.session.PauseToggle(ctx)
	case rtc.CommandStop:
		_, err = a.StopConversation(ctx)
	}
	if err != nil {
		l.Warn().Err(err).Msg("control command failed")
		return
	}
	l.Debug().Msg("control command applied")
}
