package recognition

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/presence"
)

// DefaultThreshold is the match distance sent to the backend.
const DefaultThreshold = 0.58

// Recognizer runs the recognize and enroll actions against the current frame.
type Recognizer struct {
	gate      *Gate
	frames    presence.FrameSource
	extractor DescriptorExtractor
	matcher   Matcher
	threshold float64
	logger    zerolog.Logger
}

// NewRecognizer wires a Recognizer. threshold <= 0 selects DefaultThreshold.
func NewRecognizer(gate *Gate, frames presence.FrameSource, ex DescriptorExtractor, m Matcher, threshold float64) *Recognizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Recognizer{
		gate:      gate,
		frames:    frames,
		extractor: ex,
		matcher:   m,
		threshold: threshold,
		logger:    logging.Component("recognition"),
	}
}

// Recognize matches the face in view and displays the result. A face the
// backend does not know is attached to a fresh unknown profile. On any
// error the identity is left unchanged.
func (r *Recognizer) Recognize(ctx context.Context, present, conversationActive bool) (PersonID, error) {
	if conversationActive {
		return 0, ErrConversationActive
	}
	if !present {
		return 0, ErrNoFace
	}

	vec, err := r.descriptor(ctx)
	if err != nil {
		return 0, err
	}

	res, err := r.matcher.MatchFace(ctx, vec, r.threshold)
	if err != nil {
		r.logger.Warn().Err(err).Msg("face match failed")
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if res.Matched && res.PersonID != 0 {
		r.logger.Info().Int64("person_id", int64(res.PersonID)).Msg("face matched")
		r.gate.OnFaceMatched(res.PersonID)
		return res.PersonID, nil
	}

	unknown, err := r.matcher.EnsureUnknownProfile(ctx)
	if err != nil || unknown == 0 {
		r.logger.Warn().Err(err).Msg("unknown profile unavailable")
		if err == nil {
			return 0, ErrUnknownUnavailable
		}
		return 0, fmt.Errorf("%w: %v", ErrUnknownUnavailable, err)
	}
	r.logger.Info().Int64("person_id", int64(unknown)).Msg("face not recognized, using unknown profile")
	r.gate.OnFaceMatched(unknown)
	return unknown, nil
}

// Enroll attaches the face in view to personID. Identity is not touched.
func (r *Recognizer) Enroll(ctx context.Context, personID PersonID, present bool) error {
	if personID == 0 {
		return ErrNoPerson
	}
	if !present {
		return ErrNoFace
	}
	vec, err := r.descriptor(ctx)
	if err != nil {
		return err
	}
	res, err := r.matcher.EnrollFace(ctx, personID, vec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !res.OK {
		return &EnrollRejectedError{Message: res.Error}
	}
	r.logger.Info().Int64("person_id", int64(personID)).Msg("face enrolled")
	return nil
}

func (r *Recognizer) descriptor(ctx context.Context) ([]float32, error) {
	frame, err := r.frames.Frame(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Msg("frame unavailable for descriptor")
		return nil, ErrNoDescriptor
	}
	vec, err := r.extractor.Descriptor(ctx, frame)
	if err != nil {
		r.logger.Debug().Err(err).Msg("descriptor failed")
		return nil, ErrNoDescriptor
	}
	if len(vec) == 0 {
		return nil, ErrNoDescriptor
	}
	return vec, nil
}
