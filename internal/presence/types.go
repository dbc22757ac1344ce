package presence

import (
	"context"
	"time"
)

// Frame is a single camera image.
type Frame struct {
	Image       []byte
	ContentType string
	Width       int
	Height      int
	CapturedAt  time.Time
}

// Detection is one face bounding box reported by a detector.
type Detection struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Score  float64 `json:"score"`
}

// Area of the bounding box. Degenerate boxes count as zero.
func (d Detection) Area() float64 {
	if d.Width <= 0 || d.Height <= 0 {
		return 0
	}
	return d.Width * d.Height
}

// Candidate is the face chosen on a tick.
type Candidate struct {
	Detection
	Area float64 `json:"area"`
}

// FrameSource yields the latest camera frame.
type FrameSource interface {
	Frame(ctx context.Context) (Frame, error)
}

// FaceDetector finds faces in a frame.
type FaceDetector interface {
	DetectFaces(ctx context.Context, f Frame) ([]Detection, error)
}

// Overlay renders the primary face box, or clears it when c is nil.
type Overlay interface {
	Draw(c *Candidate) error
}
