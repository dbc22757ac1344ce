package recognition

import (
	"context"
	"errors"
	"fmt"

	"github.com/chadiek/memoir-glasses/internal/presence"
)

// PersonID identifies a person record on the backend. Zero means none.
type PersonID int64

// Identity is the person shown on the profile view and the person the
// camera last matched.
type Identity struct {
	DisplayedPersonID PersonID `json:"displayed_person_id"`
	MatchedPersonID   PersonID `json:"matched_person_id"`
}

// Persister stores small JSON documents by key.
type Persister interface {
	Load(ctx context.Context, key string, v any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

// DescriptorExtractor computes a face embedding for the primary face in a
// frame. A nil slice means no usable face.
type DescriptorExtractor interface {
	Descriptor(ctx context.Context, f presence.Frame) ([]float32, error)
}

// MatchResult is the backend answer to a face match.
type MatchResult struct {
	Matched  bool
	PersonID PersonID
}

// EnrollResult is the backend answer to an enrollment.
type EnrollResult struct {
	OK    bool
	Error string
}

// Matcher is the backend face registry.
type Matcher interface {
	MatchFace(ctx context.Context, vector []float32, threshold float64) (MatchResult, error)
	EnsureUnknownProfile(ctx context.Context) (PersonID, error)
	EnrollFace(ctx context.Context, personID PersonID, vector []float32) (EnrollResult, error)
}

var (
	ErrNoFace             = errors.New("no face in view")
	ErrConversationActive = errors.New("recognition is disabled during a conversation")
	ErrNoDescriptor       = errors.New("could not read a face descriptor")
	ErrBackendUnavailable = errors.New("face service unavailable")
	ErrUnknownUnavailable = errors.New("could not create an unknown profile")
	ErrNoPerson           = errors.New("no person selected")
)

// EnrollRejectedError carries the backend's reason for refusing an enrollment.
type EnrollRejectedError struct {
	Message string
}

func (e *EnrollRejectedError) Error() string {
	if e.Message == "" {
		return "enrollment rejected"
	}
	return fmt.Sprintf("enrollment rejected: %s", e.Message)
}

// IsUserError reports whether err should be shown to the wearer as a
// blocking message rather than treated as a fault.
func IsUserError(err error) bool {
	var rej *EnrollRejectedError
	switch {
	case errors.As(err, &rej),
		errors.Is(err, ErrNoFace),
		errors.Is(err, ErrConversationActive),
		errors.Is(err, ErrNoDescriptor),
		errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrUnknownUnavailable),
		errors.Is(err, ErrNoPerson):
		return true
	}
	return false
}
