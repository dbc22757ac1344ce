package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
)

const appendTimeout = 10 * time.Second

// Flusher turns the finalized capture buffer into a Turn and submits it.
type Flusher struct {
	capture Capture
	turns   TurnAppender
	logger  zerolog.Logger
}

// NewFlusher constructs a Flusher.
func NewFlusher(c Capture, turns TurnAppender) *Flusher {
	return &Flusher{capture: c, turns: turns, logger: logging.Component("flusher")}
}

// Flush drains the buffer for speaker. An empty buffer is a no-op. The
// buffer is cleared whether or not the backend accepted the turn.
func (f *Flusher) Flush(ctx context.Context, trigger Trigger, conversationID ID, speaker Speaker) (Turn, bool) {
	buf, ok := f.capture.Take()
	if !ok {
		return Turn{}, false
	}
	turn := Turn{
		ConversationID: conversationID,
		Text:           buf.Finalized,
		Speaker:        speaker,
		Confidence:     buf.Confidence,
		Language:       f.capture.Language(),
	}

	flushID := uuid.NewString()
	l := f.logger.With().
		Str("flush_id", flushID).
		Str("trigger", string(trigger)).
		Int64("conversation_id", int64(conversationID)).
		Str("speaker", string(speaker)).
		Logger()

	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := f.turns.AppendTurn(actx, turn); err != nil {
		// no retry: the text is dropped
		l.Warn().Err(err).Int("chars", len(turn.Text)).Msg("append turn failed")
	} else {
		l.Info().Int("chars", len(turn.Text)).Msg("turn appended")
	}
	f.capture.Refresh()
	return turn, true
}
