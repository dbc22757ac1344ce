package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chadiek/memoir-glasses/internal/conversation"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/")
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	b, _ := io.ReadAll(r.Body)
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Errorf("bad request body %q: %v", b, err)
	}
	return m
}

func TestMatchFace(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/glasses/api/face/recognize" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		got = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"ok":true,"match":true,"person":{"id":12}}`))
	})
	res, err := c.MatchFace(context.Background(), []float32{0.5, 0.25}, 0.58)
	if err != nil || !res.Matched || res.PersonID != 12 {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	if got["provider"] != "local" || got["threshold"] != 0.58 {
		t.Fatalf("unexpected request %v", got)
	}
	if vec, ok := got["vector"].([]any); !ok || len(vec) != 2 {
		t.Fatalf("expected vector in request, got %v", got["vector"])
	}
}

func TestMatchFace_NoMatch(t *testing.T) {
	for _, body := range []string{`{"ok":true,"match":false}`, `{"ok":false}`, `{"ok":true,"match":true,"person":null}`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(body)) })
		res, err := c.MatchFace(context.Background(), []float32{1}, 0.58)
		if err != nil || res.Matched {
			t.Fatalf("%s: expected no match, got %+v %v", body, res, err)
		}
	}
}

func TestEnsureUnknownProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/glasses/api/unknown/ensure" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":77}`))
	})
	id, err := c.EnsureUnknownProfile(context.Background())
	if err != nil || id != 77 {
		t.Fatalf("unexpected %d %v", id, err)
	}
}

func TestEnrollFace_RejectedWithErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["person_id"] != float64(5) {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":"no face vector"}`))
	})
	res, err := c.EnrollFace(context.Background(), 5, []float32{1})
	if err != nil || res.OK || res.Error != "no face vector" {
		t.Fatalf("unexpected %+v %v", res, err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, decodeBody(t, r))
		if r.URL.Path == "/glasses/api/conversations/start" {
			_, _ = w.Write([]byte(`{"ok":true,"conversation_id":31}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	ctx := context.Background()
	res, err := c.StartConversation(ctx, 4, "en-IN")
	if err != nil || !res.OK || res.ConversationID != 31 {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	if bodies[0]["person_id"] != float64(4) || bodies[0]["stt_lang"] != "en-IN" {
		t.Fatalf("unexpected start body %v", bodies[0])
	}
	_ = c.PauseConversation(ctx, 31)
	_ = c.ResumeConversation(ctx, 31)
	conf := 0.9
	if err := c.AppendTurn(ctx, conversation.Turn{ConversationID: 31, Text: "hi", Speaker: conversation.SpeakerVisitor, Confidence: &conf, Language: "en-IN"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = c.StopConversation(ctx, 31)

	want := []string{
		"/glasses/api/conversations/start",
		"/glasses/api/conversations/pause",
		"/glasses/api/conversations/resume",
		"/glasses/api/turns/append",
		"/glasses/api/conversations/stop",
	}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("call %d: got %s want %s", i, paths[i], p)
		}
	}
	if bodies[1]["conversation_id"] != float64(31) {
		t.Fatalf("unexpected pause body %v", bodies[1])
	}
	turn := bodies[3]
	if turn["text"] != "hi" || turn["speaker"] != "Visitor" || turn["confidence"] != 0.9 || turn["lang"] != "en-IN" {
		t.Fatalf("unexpected turn body %v", turn)
	}
}

func TestAppendTurn_NullConfidence(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { body = decodeBody(t, r) })
	_ = c.AppendTurn(context.Background(), conversation.Turn{ConversationID: 1, Text: "x", Speaker: conversation.SpeakerPatient})
	if v, ok := body["confidence"]; !ok || v != nil {
		t.Fatalf("expected explicit null confidence, got %v", body)
	}
}

func TestHTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewClient("http://memoir.invalid")
			c.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			if _, err := c.MatchFace(context.Background(), []float32{1}, 0.58); err == nil {
				t.Fatalf("expected error")
			}
			if _, err := c.StartConversation(context.Background(), 1, "en-IN"); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestPeople(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/glasses/api/people":
			_, _ = w.Write([]byte(`[{"id":1,"display_name":"Asha","relation":"Daughter"},{"id":2,"display_name":"Unknown"}]`))
		case "/glasses/api/people/1":
			_, _ = w.Write([]byte(`{"id":1,"display_name":"Asha","last_met_at":"2024-05-01T10:30:00","last_summary_cached":"• Talked about the garden\n2) Plans for Sunday\n\n","latest_conversation":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	people, err := c.People(context.Background())
	if err != nil || len(people) != 2 || people[0].DisplayName != "Asha" {
		t.Fatalf("unexpected %+v %v", people, err)
	}
	p, err := c.Person(context.Background(), 1)
	if err != nil {
		t.Fatalf("person: %v", err)
	}
	prof := p.Profile()
	if prof.Relation != "—" || prof.Avatar != placeholderAvatar {
		t.Fatalf("expected placeholders, got %+v", prof)
	}
	if prof.LastMet == nil || prof.LastMet.Day() != 1 {
		t.Fatalf("expected last met parsed, got %+v", prof.LastMet)
	}
	if len(prof.SummaryBullets) != 2 || prof.SummaryBullets[1] != "Plans for Sunday" {
		t.Fatalf("unexpected bullets %v", prof.SummaryBullets)
	}
	if prof.LatestConversation != nil {
		t.Fatalf("expected null conversation dropped")
	}
	if _, err := c.Person(context.Background(), 9); err == nil {
		t.Fatalf("expected 404 error")
	}
}

func TestParseSummaryBullets(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"- one\n* two\n3. three\n  •   four  ", []string{"one", "two", "three", "four"}},
		{"plain line", []string{"plain line"}},
		{"1) \n\n---", []string{}},
	}
	for _, tc := range cases {
		got := ParseSummaryBullets(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("ParseSummaryBullets(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("ParseSummaryBullets(%q) = %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
