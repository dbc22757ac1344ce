package transcript

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

// dialect is what differs between streaming STT providers.
type dialect interface {
	name() string
	endpoint(opts speech.Options) (string, http.Header, error)
	// parse turns one text frame into zero or more events.
	parse(msg []byte) ([]speech.Event, error)
	// closeMessage is sent before closing so the provider flushes.
	closeMessage() []byte
}

// Stream is a live speech recognizer over a provider websocket. It
// implements speech.Recognizer: Start dials, Stop hangs up, and the
// provider's results arrive on Events. Audio is fed with SendPCM16KLE and
// dropped while no session is open.
type Stream struct {
	d      dialect
	dialer websocket.Dialer
	events chan speech.Event
	audio  chan []byte
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	stopCh chan struct{}

	voiceMu       sync.Mutex
	lastVoiceTime time.Time
	vad           *webrtcvad.VAD
}

func newStream(d dialect) *Stream {
	return &Stream{
		d:      d,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan speech.Event, 256),
		audio:  make(chan []byte, 1000),
		logger: logging.Component("transcript").With().Str("provider", d.name()).Logger(),
	}
}

// Events returns the recognizer event stream. It is never closed.
func (s *Stream) Events() <-chan speech.Event { return s.events }

// Start opens a recognition session. It is a no-op while one is open.
func (s *Stream) Start(ctx context.Context, opts speech.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	wsURL, headers, err := s.d.endpoint(opts)
	if err != nil {
		return err
	}
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			s.logger.Warn().Int("status", resp.StatusCode).Msg("connection refused")
		}
		return fmt.Errorf("failed to connect to %s: %w", s.d.name(), err)
	}

	// audio captured while no session was open is stale
	s.drainAudio()

	stopCh := make(chan struct{})
	s.conn = conn
	s.stopCh = stopCh
	go s.handleMessages(ctx, conn, stopCh)
	go s.sendAudioData(conn, stopCh)

	s.logger.Info().Str("lang", opts.Language).Msg("recognition session opened")
	return nil
}

// Stop ends the current session. The reader reports EventEnd once the
// socket is closed.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	close(s.stopCh)
	if msg := s.d.closeMessage(); msg != nil {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
	err := s.conn.Close()
	s.conn = nil
	s.stopCh = nil
	return err
}

// SendPCM16KLE queues 16kHz little-endian mono PCM for the open session.
func (s *Stream) SendPCM16KLE(pcm []byte) error {
	s.detectVoiceActivity(pcm)
	s.mu.Lock()
	open := s.conn != nil
	s.mu.Unlock()
	if !open {
		return nil
	}
	select {
	case s.audio <- pcm:
	default:
		s.logger.Debug().Msg("audio buffer full, dropping packet")
	}
	return nil
}

// EnableVAD confirms loud frames with the WebRTC voice activity detector at
// the given aggressiveness (0-3). Without it the meter is energy only.
func (s *Stream) EnableVAD(mode int) error {
	if mode < 0 || mode > 3 {
		return fmt.Errorf("vad mode must be between 0 and 3, got %d", mode)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return fmt.Errorf("failed to create WebRTC VAD: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set VAD mode: %w", err)
	}
	s.voiceMu.Lock()
	s.vad = v
	s.voiceMu.Unlock()
	return nil
}

// RecentlyDetectedVoice reports whether non-silent voice energy was observed within the given window.
func (s *Stream) RecentlyDetectedVoice(window time.Duration) bool {
	s.voiceMu.Lock()
	last := s.lastVoiceTime
	s.voiceMu.Unlock()
	if last.IsZero() {
		return false
	}
	return time.Since(last) <= window
}

func (s *Stream) drainAudio() {
	for {
		select {
		case <-s.audio:
		default:
			return
		}
	}
}

// detectVoiceActivity updates lastVoiceTime if PCM buffer contains voice energy above a threshold.
func (s *Stream) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) < voiceRMS {
		return
	}
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	if s.vad != nil && !s.vadSpeech(pcm) {
		return
	}
	s.lastVoiceTime = time.Now()
}

// vadSpeech reports whether any 10ms frame of pcm is speech. A VAD error
// keeps the energy verdict. Callers hold voiceMu.
func (s *Stream) vadSpeech(pcm []byte) bool {
	const frameBytes = 320 // 10ms at 16kHz
	for i := 0; i+frameBytes <= len(pcm); i += frameBytes {
		active, err := s.vad.Process(16000, pcm[i:i+frameBytes])
		if err != nil {
			s.logger.Debug().Err(err).Msg("vad process")
			return true
		}
		if active {
			return true
		}
	}
	return false
}

func (s *Stream) emit(ctx context.Context, ev speech.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// handleMessages reads provider frames until the socket closes, then
// reports how the session ended.
func (s *Stream) handleMessages(ctx context.Context, conn *websocket.Conn, stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered from panic in handleMessages")
		}
	}()
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			s.finish(ctx, conn, stopCh, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		evs, perr := s.d.parse(message)
		if perr != nil {
			s.logger.Debug().Err(perr).Msg("unparseable message")
			continue
		}
		for _, ev := range evs {
			s.emit(ctx, ev)
		}
	}
}

func (s *Stream) finish(ctx context.Context, conn *websocket.Conn, stopCh chan struct{}, err error) {
	stopped := false
	select {
	case <-stopCh:
		stopped = true
	default:
	}

	s.mu.Lock()
	if s.conn == conn {
		close(s.stopCh)
		s.conn = nil
		s.stopCh = nil
	}
	s.mu.Unlock()
	_ = conn.Close()

	switch {
	case stopped:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger.Info().Msg("provider ended the session")
	default:
		s.logger.Warn().Err(err).Msg("recognition session failed")
		s.emit(ctx, speech.Event{Kind: speech.EventError, Err: err})
	}
	s.emit(ctx, speech.Event{Kind: speech.EventEnd})
}

// sendAudioData sends queued audio to the provider.
func (s *Stream) sendAudioData(conn *websocket.Conn, stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered from panic in sendAudioData")
		}
	}()
	for {
		select {
		case <-stopCh:
			return
		case pcm := <-s.audio:
			s.mu.Lock()
			current := s.conn == conn
			var err error
			if current {
				err = conn.WriteMessage(websocket.BinaryMessage, pcm)
			}
			s.mu.Unlock()
			if !current {
				return
			}
			if err != nil {
				s.logger.Debug().Err(err).Msg("error sending audio data")
				return
			}
		}
	}
}

var errProvider = errors.New("provider error")
