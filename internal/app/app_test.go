package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chadiek/memoir-glasses/internal/config"
	"github.com/chadiek/memoir-glasses/internal/conversation"
	"github.com/chadiek/memoir-glasses/internal/recognition"
	"github.com/chadiek/memoir-glasses/internal/rtc"
)

type backendLog struct {
	mu    sync.Mutex
	calls []string
}

func (b *backendLog) add(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, p)
}

func (b *backendLog) has(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c == p {
			return true
		}
	}
	return false
}

func fakeBackend(t *testing.T, log *backendLog) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r.URL.Path)
		switch r.URL.Path {
		case "/glasses/api/face/recognize":
			_, _ = w.Write([]byte(`{"ok":true,"match":true,"person":{"id":12}}`))
		case "/glasses/api/conversations/start":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["person_id"] != float64(12) {
				t.Errorf("unexpected start body %v", body)
			}
			_, _ = w.Write([]byte(`{"ok":true,"conversation_id":55}`))
		case "/glasses/api/people/12":
			_, _ = w.Write([]byte(`{"id":12,"display_name":"Ravi","relation":"Son"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeVision(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/frame":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
		case "/detect":
			_, _ = w.Write([]byte(`{"faces":[{"x":10,"y":10,"width":80,"height":90,"score":0.97}]}`))
		case "/descriptor":
			_, _ = w.Write([]byte(`{"descriptor":[0.1,0.2,0.3]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backendURL, visionURL string) config.Config {
	cfg := config.Defaults()
	cfg.StateDB = ":memory:"
	cfg.BackendURL = backendURL
	cfg.VisionURL = visionURL
	return cfg
}

func TestApp_RecognizeStartSpeakStop(t *testing.T) {
	calls := &backendLog{}
	ctx := context.Background()
	a, err := New(ctx, testConfig(fakeBackend(t, calls).URL, fakeVision(t).URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.store.Close()

	if _, err := a.Recognize(ctx); !errors.Is(err, recognition.ErrNoFace) {
		t.Fatalf("expected no face before the first poll, got %v", err)
	}
	if _, ok := a.detector.Poll(ctx); !ok {
		t.Fatalf("expected a face")
	}
	snap := a.Snapshot()
	if !snap.Present || !snap.CanRecognize || snap.CanStart {
		t.Fatalf("unexpected snapshot before recognition %+v", snap)
	}

	id, err := a.Recognize(ctx)
	if err != nil || id != 12 {
		t.Fatalf("recognize: %d %v", id, err)
	}
	if !a.Snapshot().CanStart {
		t.Fatalf("matched person must be eligible")
	}

	if _, err := a.StartConversation(ctx, 13); !errors.Is(err, conversation.ErrNotEligible) {
		t.Fatalf("expected not eligible for a person the camera did not match, got %v", err)
	}
	if calls.has("/glasses/api/conversations/start") {
		t.Fatalf("backend must not be called for a mismatched start")
	}

	st, err := a.StartConversation(ctx, 12)
	if err != nil || !st.Active || st.ConversationID != 55 {
		t.Fatalf("start: %+v %v", st, err)
	}
	snap = a.Snapshot()
	if snap.CanRecognize || snap.CanStart || !snap.LeaveRequiresConfirmation {
		t.Fatalf("unexpected snapshot during conversation %+v", snap)
	}

	a.handleControl(ctx, rtc.Command{Kind: rtc.CommandSpeaker, Speaker: "Visitor"})
	if a.session.State().ActiveSpeaker != conversation.SpeakerVisitor {
		t.Fatalf("control channel speaker switch not applied")
	}

	prior, err := a.StopConversation(ctx)
	if err != nil || prior != 12 {
		t.Fatalf("stop: %d %v", prior, err)
	}
	if !calls.has("/glasses/api/conversations/stop") {
		t.Fatalf("backend never told to stop: %v", calls.calls)
	}
	if a.gate.Identity().DisplayedPersonID != 12 || a.session.Active() {
		t.Fatalf("expected the prior profile displayed after stop")
	}
}

func TestApp_OpenProfileDoesNotAuthorizeStart(t *testing.T) {
	calls := &backendLog{}
	ctx := context.Background()
	a, err := New(ctx, testConfig(fakeBackend(t, calls).URL, fakeVision(t).URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.store.Close()

	prof, err := a.OpenProfile(ctx, 12)
	if err != nil || prof.Name != "Ravi" || prof.Relation != "Son" {
		t.Fatalf("unexpected profile %+v %v", prof, err)
	}
	if a.gate.Identity().DisplayedPersonID != 12 {
		t.Fatalf("opening a profile must display it")
	}
	if _, err := a.StartConversation(ctx, 12); !errors.Is(err, conversation.ErrNotEligible) {
		t.Fatalf("expected not eligible without a face match, got %v", err)
	}
	if calls.has("/glasses/api/conversations/start") {
		t.Fatalf("backend must not be called for an ineligible start")
	}
}

func TestApp_LocalAudioDisablesWebRTC(t *testing.T) {
	cfg := testConfig("http://backend.invalid", "http://vision.invalid")
	cfg.AudioSource = config.AudioLocal
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.store.Close()
	if a.mic == nil || a.rtc != nil {
		t.Fatalf("expected local mic only")
	}
	if _, err := a.HandleOffer(context.Background(), rtc.SessionDescription{Type: "offer", SDP: "v=0"}); !errors.Is(err, errNoWebRTC) {
		t.Fatalf("expected webrtc disabled, got %v", err)
	}
}
