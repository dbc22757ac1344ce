package presence

import (
	"context"
	"errors"
	"testing"
)

type scriptedSource struct {
	err error
}

func (s *scriptedSource) Frame(ctx context.Context) (Frame, error) {
	if s.err != nil {
		return Frame{}, s.err
	}
	return Frame{Image: []byte{0xff, 0xd8}, ContentType: "image/jpeg"}, nil
}

type scriptedFaces struct {
	ticks [][]Detection
	err   error
	i     int
}

func (s *scriptedFaces) DetectFaces(ctx context.Context, f Frame) ([]Detection, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.i >= len(s.ticks) {
		return nil, nil
	}
	d := s.ticks[s.i]
	s.i++
	return d, nil
}

type recordingOverlay struct {
	draws []*Candidate
}

func (o *recordingOverlay) Draw(c *Candidate) error {
	o.draws = append(o.draws, c)
	return errors.New("canvas gone")
}

func face(w, h float64) Detection { return Detection{Width: w, Height: h, Score: 0.9} }

func TestPrimary_PicksLargestFirstOnTie(t *testing.T) {
	if _, ok := Primary(nil); ok {
		t.Fatalf("expected no primary for empty set")
	}
	a := Detection{X: 1, Width: 10, Height: 10}
	b := Detection{X: 2, Width: 20, Height: 5}
	c := Detection{X: 3, Width: 5, Height: 5}
	got, ok := Primary([]Detection{c, a, b})
	if !ok || got.X != 1 || got.Area != 100 {
		t.Fatalf("expected first largest face, got %+v", got)
	}
}

func TestDetector_EdgeTriggered(t *testing.T) {
	faces := &scriptedFaces{ticks: [][]Detection{
		nil,
		{face(10, 10)},
		{face(10, 10), face(30, 30)},
		{face(5, 5)},
		nil,
		nil,
		{face(1, 1)},
	}}
	d := NewDetector(&scriptedSource{}, faces, nil, Config{})
	var changes []bool
	d.OnChange = func(p bool) { changes = append(changes, p) }

	for range faces.ticks {
		d.Poll(context.Background())
	}
	want := []bool{true, false, true}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, changes)
		}
	}
	if !d.Present() {
		t.Fatalf("expected present after last tick")
	}
}

func TestDetector_FailuresCountAsNoFace(t *testing.T) {
	src := &scriptedSource{}
	faces := &scriptedFaces{ticks: [][]Detection{{face(10, 10)}}}
	d := NewDetector(src, faces, nil, Config{})
	var changes []bool
	d.OnChange = func(p bool) { changes = append(changes, p) }

	d.Poll(context.Background())
	src.err = errors.New("camera busy")
	if _, ok := d.Poll(context.Background()); ok {
		t.Fatalf("frame failure must report no face")
	}
	src.err = nil
	faces.err = errors.New("model not loaded")
	d.Poll(context.Background())

	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("unexpected transitions %v", changes)
	}
	if d.Present() {
		t.Fatalf("expected no face present")
	}
}

func TestDetector_OverlayErrorsIgnored(t *testing.T) {
	ov := &recordingOverlay{}
	faces := &scriptedFaces{ticks: [][]Detection{{face(4, 4), face(8, 8)}, nil}}
	d := NewDetector(&scriptedSource{}, faces, ov, Config{})

	c, ok := d.Poll(context.Background())
	if !ok || c.Area != 64 {
		t.Fatalf("unexpected primary %+v", c)
	}
	d.Poll(context.Background())
	if len(ov.draws) != 2 || ov.draws[0] == nil || ov.draws[1] != nil {
		t.Fatalf("expected draw then clear, got %v", ov.draws)
	}
}
