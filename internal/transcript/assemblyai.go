package transcript

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

const (
	assemblyAIURL          = "wss://streaming.assemblyai.com/v3/ws"
	assemblyAIMultilingual = "universal-streaming-multilingual"
)

// languages the multilingual streaming model understands besides English
var assemblyAILanguages = map[string]bool{"es": true, "fr": true, "de": true, "it": true, "pt": true}

// AssemblyAI message types
type baseMessage struct {
	Type string `json:"type"`
}

type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnWord struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	WordFinal  bool    `json:"word_is_final"`
}

type TurnMessage struct {
	Type                string     `json:"type"`
	TurnOrder           int        `json:"turn_order"`
	Transcript          string     `json:"transcript"`
	EndOfTurn           bool       `json:"end_of_turn"`
	TurnFormatted       bool       `json:"turn_is_formatted"`
	EndOfTurnConfidence float64    `json:"end_of_turn_confidence"`
	Words               []TurnWord `json:"words"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type assemblyAI struct {
	apiKey  string
	baseURL string
}

// NewAssemblyAI returns a recognizer backed by AssemblyAI universal streaming.
func NewAssemblyAI(apiKey string) *Stream {
	return newStream(&assemblyAI{apiKey: apiKey, baseURL: assemblyAIURL})
}

func (a *assemblyAI) name() string { return "assemblyai" }

func (a *assemblyAI) endpoint(opts speech.Options) (string, http.Header, error) {
	if a.apiKey == "" {
		return "", nil, fmt.Errorf("AssemblyAI API key is empty")
	}
	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("encoding", "pcm_s16le")
	// turns are committed by the wearer, unformatted text keeps finals stable
	params.Set("format_turns", "false")
	if model := assemblyAIModel(opts.Language); model != "" {
		params.Set("speech_model", model)
	}
	headers := http.Header{"Authorization": {a.apiKey}}
	return a.baseURL + "?" + params.Encode(), headers, nil
}

// assemblyAIModel picks the streaming model for a BCP-47 tag. English uses
// the default model.
func assemblyAIModel(lang string) string {
	base := strings.ToLower(strings.SplitN(lang, "-", 2)[0])
	if base == "" || base == "en" {
		return ""
	}
	if !assemblyAILanguages[base] {
		logging.Component("transcript").Warn().Str("language", lang).
			Msg("AssemblyAI streaming does not support this language, turns will be transcribed by the multilingual model")
	}
	return assemblyAIMultilingual
}

func (a *assemblyAI) closeMessage() []byte { return []byte(`{"type":"Terminate"}`) }

func (a *assemblyAI) parse(message []byte) ([]speech.Event, error) {
	var base baseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		return nil, err
	}
	logger := logging.Component("transcript")
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil, err
		}
		logger.Debug().Str("session", msg.ID).Str("expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339)).Msg("AssemblyAI session began")
		return nil, nil
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil, err
		}
		if msg.Transcript == "" {
			return nil, nil
		}
		res := speech.Result{Transcript: msg.Transcript, Final: msg.EndOfTurn}
		if msg.EndOfTurn {
			res.Confidence = meanWordConfidence(msg.Words)
		}
		return []speech.Event{{Kind: speech.EventResult, Results: []speech.Result{res}}}, nil
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil, err
		}
		logger.Info().Float64("audio_s", msg.AudioDurationSeconds).Float64("session_s", msg.SessionDurationSeconds).Msg("AssemblyAI session terminated")
		return nil, nil
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil, err
		}
		return []speech.Event{{Kind: speech.EventError, Err: fmt.Errorf("%w: assemblyai: %s", errProvider, msg.Error)}}, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

func meanWordConfidence(words []TurnWord) *float64 {
	if len(words) == 0 {
		return nil
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	mean := sum / float64(len(words))
	return &mean
}
