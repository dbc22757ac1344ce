package speech

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
)

// DefaultRestartDelay is how long the engine waits before restarting the
// recognizer after it reported an error.
const DefaultRestartDelay = 300 * time.Millisecond

// Config holds engine settings.
type Config struct {
	Language     string
	RestartDelay time.Duration
}

// Engine owns a continuous recognition session: lifecycle, the capture
// buffer and a restart supervisor for streams that end on their own.
type Engine struct {
	rec       Recognizer
	cfg       Config
	onPreview func(Preview)
	logger    zerolog.Logger

	// startMu serializes recognizer starts so two instances never overlap.
	startMu sync.Mutex

	mu         sync.Mutex
	base       context.Context
	state      State
	lang       string
	buf        Buffer
	generation uint64
	recovering bool
}

// NewEngine constructs an Engine around rec. onPreview is called after every
// buffer mutation and may be nil.
func NewEngine(rec Recognizer, cfg Config, onPreview func(Preview)) *Engine {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.Language == "" {
		cfg.Language = "en-IN"
	}
	return &Engine{
		rec:       rec,
		cfg:       cfg,
		onPreview: onPreview,
		logger:    logging.Component("speech"),
		base:      context.Background(),
		lang:      cfg.Language,
	}
}

// Run consumes recognizer events until ctx is done. It is the only reader of
// the event stream.
func (e *Engine) Run(ctx context.Context) {
	if e.rec == nil {
		return
	}
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()

	events := e.rec.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handle(ev)
		}
	}
}

// Start moves Stopped -> Running. Calling it in any other state is a no-op.
func (e *Engine) Start(lang string) error {
	if e.rec == nil {
		return ErrUnsupported
	}
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return nil
	}
	if lang != "" {
		e.lang = lang
	}
	e.state = StateRunning
	e.recovering = false
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	e.logger.Info().Str("lang", e.Language()).Msg("capture started")
	e.Refresh()
	e.startRecognizer(gen)
	return nil
}

// Pause stops the underlying stream and keeps the buffer.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.recovering = false
	e.generation++
	e.mu.Unlock()

	e.stopRecognizer()
	e.logger.Info().Msg("capture paused")
	e.Refresh()
}

// Resume restarts the stream after Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return
	}
	e.state = StateRunning
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	e.logger.Info().Msg("capture resumed")
	e.Refresh()
	e.startRecognizer(gen)
}

// Stop ends capture. The finalized buffer is left for the flusher.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	e.recovering = false
	e.generation++
	e.mu.Unlock()

	e.stopRecognizer()
	e.logger.Info().Msg("capture stopped")
	e.Refresh()
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Language returns the active recognition language tag.
func (e *Engine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lang
}

// Snapshot returns a copy of the capture buffer.
func (e *Engine) Snapshot() Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf
}

// Take reads and clears the finalized text in one step. It reports false and
// leaves the buffer untouched when there is nothing but whitespace.
func (e *Engine) Take() (Buffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := strings.TrimSpace(e.buf.Finalized)
	if text == "" {
		return Buffer{}, false
	}
	out := Buffer{Finalized: text, Confidence: e.buf.Confidence}
	e.buf.Finalized = ""
	return out, true
}

// Refresh pushes the current buffer to the preview callback.
func (e *Engine) Refresh() {
	if e.onPreview == nil {
		return
	}
	e.mu.Lock()
	p := Preview{Finalized: e.buf.Finalized, Interim: e.buf.Interim, Mic: e.state.String()}
	e.mu.Unlock()
	e.onPreview(p)
}

func (e *Engine) handle(ev Event) {
	switch ev.Kind {
	case EventResult:
		e.applyResults(ev)
	case EventEnd:
		e.mu.Lock()
		restart := e.state == StateRunning && !e.recovering
		gen := e.generation
		e.mu.Unlock()
		if restart {
			e.logger.Debug().Msg("recognizer ended while live, restarting")
			e.startRecognizer(gen)
		}
	case EventError:
		e.mu.Lock()
		shouldRecover := e.state == StateRunning && !e.recovering
		gen := e.generation
		e.mu.Unlock()
		if !shouldRecover {
			return
		}
		e.logger.Warn().Err(ev.Err).Msg("recognizer error, recovering")
		e.stopRecognizer()
		e.scheduleRestart(gen)
	}
}

func (e *Engine) applyResults(ev Event) {
	e.mu.Lock()
	if e.state == StateStopped {
		// late results after stop would leak into the next conversation
		e.mu.Unlock()
		return
	}
	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(ev.Results); i++ {
		res := ev.Results[i]
		if res.Final {
			if e.appendFinal(res.Transcript) {
				e.buf.Confidence = res.Confidence
			}
			e.buf.Interim = ""
		} else {
			e.buf.Interim = res.Transcript
		}
	}
	e.mu.Unlock()
	e.Refresh()
}

// appendFinal must be called with mu held. It reports whether any text
// was added.
func (e *Engine) appendFinal(transcript string) bool {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return false
	}
	if e.buf.Finalized != "" {
		last, _ := utf8.DecodeLastRuneInString(e.buf.Finalized)
		if !unicode.IsSpace(last) {
			e.buf.Finalized += " "
		}
	}
	e.buf.Finalized += text
	return true
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == gen && e.state == StateRunning
}

func (e *Engine) options() Options {
	return Options{
		Language:        e.Language(),
		Continuous:      true,
		InterimResults:  true,
		MaxAlternatives: 1,
	}
}

func (e *Engine) startRecognizer(gen uint64) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if !e.current(gen) {
		return
	}
	e.mu.Lock()
	ctx := e.base
	e.mu.Unlock()

	if err := e.rec.Start(ctx, e.options()); err != nil {
		e.logger.Warn().Err(err).Msg("recognizer start failed")
		e.scheduleRestart(gen)
		return
	}
	// lifecycle changed while the stream was connecting
	if !e.current(gen) {
		e.stopRecognizer()
	}
}

func (e *Engine) stopRecognizer() {
	if err := e.rec.Stop(); err != nil {
		e.logger.Debug().Err(err).Msg("recognizer stop")
	}
}

func (e *Engine) scheduleRestart(gen uint64) {
	e.mu.Lock()
	if e.generation != gen || e.state != StateRunning || e.recovering {
		e.mu.Unlock()
		return
	}
	e.recovering = true
	delay := e.cfg.RestartDelay
	e.mu.Unlock()

	time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.generation != gen || e.state != StateRunning {
			e.mu.Unlock()
			return
		}
		e.recovering = false
		e.mu.Unlock()
		e.startRecognizer(gen)
	})
}
