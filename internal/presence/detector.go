package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
)

// DefaultInterval is the polling period for face presence.
const DefaultInterval = 200 * time.Millisecond

// Config holds detector settings.
type Config struct {
	Interval time.Duration
}

// Detector turns per-frame face detections into an edge-triggered presence
// signal.
type Detector struct {
	frames   FrameSource
	faces    FaceDetector
	overlay  Overlay
	interval time.Duration
	logger   zerolog.Logger

	// OnChange is called once per presence transition.
	OnChange func(present bool)

	mu      sync.Mutex
	present bool
}

// NewDetector wires a detector. overlay may be nil.
func NewDetector(frames FrameSource, faces FaceDetector, overlay Overlay, cfg Config) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Detector{
		frames:   frames,
		faces:    faces,
		overlay:  overlay,
		interval: cfg.Interval,
		logger:   logging.Component("presence"),
	}
}

// Primary picks the largest face. On equal areas the first one wins.
func Primary(dets []Detection) (Candidate, bool) {
	var best Candidate
	found := false
	for _, d := range dets {
		a := d.Area()
		if !found || a > best.Area {
			best = Candidate{Detection: d, Area: a}
			found = true
		}
	}
	return best, found
}

// Poll runs one detection tick. Frame and detector failures count as an
// empty face set.
func (d *Detector) Poll(ctx context.Context) (Candidate, bool) {
	var dets []Detection
	frame, err := d.frames.Frame(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("frame unavailable")
	} else {
		dets, err = d.faces.DetectFaces(ctx, frame)
		if err != nil {
			d.logger.Debug().Err(err).Msg("face detection failed")
			dets = nil
		}
	}

	primary, ok := Primary(dets)

	d.mu.Lock()
	changed := ok != d.present
	d.present = ok
	d.mu.Unlock()

	if d.overlay != nil {
		var c *Candidate
		if ok {
			c = &primary
		}
		if err := d.overlay.Draw(c); err != nil {
			d.logger.Debug().Err(err).Msg("overlay draw failed")
		}
	}
	if changed {
		d.logger.Debug().Bool("present", ok).Msg("presence changed")
		if d.OnChange != nil {
			d.OnChange(ok)
		}
	}
	return primary, ok
}

// Run polls on a fixed interval until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Present reports the current presence signal.
func (d *Detector) Present() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}
