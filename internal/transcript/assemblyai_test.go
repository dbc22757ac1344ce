package transcript

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/chadiek/memoir-glasses/internal/speech"
)

func TestAssemblyAI_Endpoint(t *testing.T) {
	a := &assemblyAI{baseURL: assemblyAIURL}
	if _, _, err := a.endpoint(speech.Options{}); err == nil {
		t.Fatalf("expected error with missing key")
	}
	a.apiKey = "key"
	u, h, err := a.endpoint(speech.Options{Language: "en-IN"})
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if !strings.Contains(u, "sample_rate=16000") || !strings.Contains(u, "format_turns=false") || !strings.Contains(u, "encoding=pcm_s16le") {
		t.Fatalf("unexpected url %s", u)
	}
	if h.Get("Authorization") != "key" {
		t.Fatalf("expected raw key authorization header")
	}
	if strings.Contains(u, "speech_model") {
		t.Fatalf("english must use the default model, got %s", u)
	}
}

func TestAssemblyAI_EndpointLanguage(t *testing.T) {
	a := &assemblyAI{apiKey: "key", baseURL: assemblyAIURL}
	cases := map[string]string{
		"":      "",
		"en-US": "",
		"EN":    "",
		"es-MX": assemblyAIMultilingual,
		"de":    assemblyAIMultilingual,
		"hi-IN": assemblyAIMultilingual,
	}
	for lang, want := range cases {
		u, _, err := a.endpoint(speech.Options{Language: lang})
		if err != nil {
			t.Fatalf("%q: %v", lang, err)
		}
		got := ""
		if parsed, err := url.Parse(u); err == nil {
			got = parsed.Query().Get("speech_model")
		}
		if got != want {
			t.Fatalf("%q: speech_model=%q, want %q", lang, got, want)
		}
	}
}

func TestAssemblyAI_Parse(t *testing.T) {
	a := &assemblyAI{}
	cases := []struct {
		name      string
		msg       string
		wantKind  speech.EventKind
		wantText  string
		wantFinal bool
		wantNone  bool
		wantErr   bool
	}{
		{name: "begin", msg: `{"type":"Begin","id":"abc","expires_at":1700000000}`, wantNone: true},
		{name: "partial", msg: `{"type":"Turn","transcript":"how are","end_of_turn":false}`, wantKind: speech.EventResult, wantText: "how are"},
		{name: "final", msg: `{"type":"Turn","transcript":"how are you","end_of_turn":true,"words":[{"text":"how","confidence":0.8},{"text":"are","confidence":0.9},{"text":"you","confidence":1.0}]}`, wantKind: speech.EventResult, wantText: "how are you", wantFinal: true},
		{name: "empty_turn", msg: `{"type":"Turn","transcript":""}`, wantNone: true},
		{name: "termination", msg: `{"type":"Termination","audio_duration_seconds":3.2}`, wantNone: true},
		{name: "error", msg: `{"type":"Error","error":"bad audio"}`, wantKind: speech.EventError},
		{name: "unknown", msg: `{"type":"Mystery"}`, wantErr: true},
		{name: "garbage", msg: `nope`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := a.parse([]byte(tc.msg))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if tc.wantNone {
				if len(evs) != 0 {
					t.Fatalf("expected no events, got %+v", evs)
				}
				return
			}
			if len(evs) != 1 || evs[0].Kind != tc.wantKind {
				t.Fatalf("unexpected events %+v", evs)
			}
			if tc.wantKind == speech.EventError {
				if !errors.Is(evs[0].Err, errProvider) {
					t.Fatalf("expected provider error, got %v", evs[0].Err)
				}
				return
			}
			res := evs[0].Results[0]
			if res.Transcript != tc.wantText || res.Final != tc.wantFinal {
				t.Fatalf("unexpected result %+v", res)
			}
			if tc.wantFinal && (res.Confidence == nil || *res.Confidence < 0.89 || *res.Confidence > 0.91) {
				t.Fatalf("expected mean confidence 0.9, got %v", res.Confidence)
			}
			if !tc.wantFinal && res.Confidence != nil {
				t.Fatalf("interim results carry no confidence")
			}
		})
	}
}
