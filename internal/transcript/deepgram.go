package transcript

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/chadiek/memoir-glasses/internal/speech"
)

const deepgramURL = "wss://api.deepgram.com/v1/listen"

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

type deepgramError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type deepgram struct {
	apiKey  string
	model   string
	baseURL string
}

// NewDeepgram returns a recognizer backed by Deepgram live transcription.
func NewDeepgram(apiKey, model string) *Stream {
	if model == "" {
		model = "nova-2"
	}
	return newStream(&deepgram{apiKey: apiKey, model: model, baseURL: deepgramURL})
}

func (d *deepgram) name() string { return "deepgram" }

func (d *deepgram) endpoint(opts speech.Options) (string, http.Header, error) {
	if d.apiKey == "" {
		return "", nil, fmt.Errorf("Deepgram API key is empty")
	}
	params := url.Values{}
	params.Set("model", d.model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", "16000")
	params.Set("channels", "1")
	params.Set("punctuate", "true")
	params.Set("interim_results", fmt.Sprintf("%t", opts.InterimResults))
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	if opts.MaxAlternatives > 1 {
		params.Set("alternatives", fmt.Sprintf("%d", opts.MaxAlternatives))
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)
	return d.baseURL + "?" + params.Encode(), header, nil
}

func (d *deepgram) closeMessage() []byte { return []byte(`{"type":"CloseStream"}`) }

func (d *deepgram) parse(message []byte) ([]speech.Event, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		return nil, err
	}
	switch resp.Type {
	case "Results", "":
	case "Error":
		var e deepgramError
		_ = json.Unmarshal(message, &e)
		msg := e.Description
		if msg == "" {
			msg = e.Message
		}
		return []speech.Event{{Kind: speech.EventError, Err: fmt.Errorf("%w: deepgram: %s", errProvider, msg)}}, nil
	default:
		// Metadata, SpeechStarted, UtteranceEnd
		return nil, nil
	}
	if len(resp.Channel.Alternatives) == 0 {
		return nil, nil
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" && !resp.IsFinal {
		return nil, nil
	}
	// an empty final still closes out the pending interim
	res := speech.Result{Transcript: alt.Transcript, Final: resp.IsFinal}
	if resp.IsFinal && alt.Transcript != "" {
		conf := alt.Confidence
		res.Confidence = &conf
	}
	return []speech.Event{{Kind: speech.EventResult, Results: []speech.Result{res}}}, nil
}
