package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/memoir-glasses/internal/conversation"
	"github.com/chadiek/memoir-glasses/internal/recognition"
)

// Client talks to the Memoir web backend under /glasses/api.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type recognizeRequest struct {
	Vector    []float32 `json:"vector"`
	Provider  string    `json:"provider"`
	Threshold float64   `json:"threshold"`
}

type personRef struct {
	ID int64 `json:"id"`
}

type recognizeResponse struct {
	OK     bool       `json:"ok"`
	Match  bool       `json:"match"`
	Person *personRef `json:"person"`
}

type enrollRequest struct {
	PersonID int64     `json:"person_id"`
	Vector   []float32 `json:"vector"`
	Provider string    `json:"provider"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type startRequest struct {
	PersonID int64  `json:"person_id"`
	STTLang  string `json:"stt_lang"`
}

type startResponse struct {
	OK             bool  `json:"ok"`
	ConversationID int64 `json:"conversation_id"`
}

type conversationRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

const provider = "local"

// MatchFace asks the backend which person the descriptor belongs to.
func (c *Client) MatchFace(ctx context.Context, vector []float32, threshold float64) (recognition.MatchResult, error) {
	var resp recognizeResponse
	err := c.do(ctx, http.MethodPost, "/glasses/api/face/recognize",
		recognizeRequest{Vector: vector, Provider: provider, Threshold: threshold}, &resp)
	if err != nil {
		return recognition.MatchResult{}, err
	}
	if !resp.OK || !resp.Match || resp.Person == nil {
		return recognition.MatchResult{}, nil
	}
	return recognition.MatchResult{Matched: true, PersonID: recognition.PersonID(resp.Person.ID)}, nil
}

// EnsureUnknownProfile returns the id of the placeholder person used for
// faces nobody has named yet.
func (c *Client) EnsureUnknownProfile(ctx context.Context) (recognition.PersonID, error) {
	var resp personRef
	if err := c.do(ctx, http.MethodPost, "/glasses/api/unknown/ensure", nil, &resp); err != nil {
		return 0, err
	}
	return recognition.PersonID(resp.ID), nil
}

// EnrollFace attaches a descriptor to a person.
func (c *Client) EnrollFace(ctx context.Context, personID recognition.PersonID, vector []float32) (recognition.EnrollResult, error) {
	var resp okResponse
	err := c.send(ctx, http.MethodPost, "/glasses/api/face/enroll",
		enrollRequest{PersonID: int64(personID), Vector: vector, Provider: provider}, &resp, true)
	if err != nil {
		return recognition.EnrollResult{}, err
	}
	return recognition.EnrollResult{OK: resp.OK, Error: resp.Error}, nil
}

// StartConversation opens a conversation with personID.
func (c *Client) StartConversation(ctx context.Context, personID recognition.PersonID, lang string) (conversation.StartResult, error) {
	var resp startResponse
	err := c.send(ctx, http.MethodPost, "/glasses/api/conversations/start",
		startRequest{PersonID: int64(personID), STTLang: lang}, &resp, true)
	if err != nil {
		return conversation.StartResult{}, err
	}
	return conversation.StartResult{OK: resp.OK, ConversationID: conversation.ID(resp.ConversationID)}, nil
}

// PauseConversation marks the conversation paused.
func (c *Client) PauseConversation(ctx context.Context, id conversation.ID) error {
	return c.do(ctx, http.MethodPost, "/glasses/api/conversations/pause", conversationRequest{ConversationID: int64(id)}, nil)
}

// ResumeConversation marks the conversation live again.
func (c *Client) ResumeConversation(ctx context.Context, id conversation.ID) error {
	return c.do(ctx, http.MethodPost, "/glasses/api/conversations/resume", conversationRequest{ConversationID: int64(id)}, nil)
}

// StopConversation closes the conversation; the backend summarizes it.
func (c *Client) StopConversation(ctx context.Context, id conversation.ID) error {
	return c.do(ctx, http.MethodPost, "/glasses/api/conversations/stop", conversationRequest{ConversationID: int64(id)}, nil)
}

// AppendTurn stores one turn.
func (c *Client) AppendTurn(ctx context.Context, t conversation.Turn) error {
	return c.do(ctx, http.MethodPost, "/glasses/api/turns/append", t, nil)
}

// People lists every known person.
func (c *Client) People(ctx context.Context) ([]Person, error) {
	var people []Person
	if err := c.do(ctx, http.MethodGet, "/glasses/api/people", nil, &people); err != nil {
		return nil, err
	}
	return people, nil
}

// Person fetches one person with their latest summary.
func (c *Client) Person(ctx context.Context, id recognition.PersonID) (Person, error) {
	var p Person
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/glasses/api/people/%d", id), nil, &p); err != nil {
		return Person{}, err
	}
	return p, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, method, path, body, out, false)
}

// send performs one JSON request. With lenient set, an error status whose
// body still decodes into out is returned as a normal answer so the caller
// can read the backend's ok/error fields.
func (c *Client) send(ctx context.Context, method, path string, body, out any, lenient bool) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if lenient && out != nil && json.Unmarshal(b, out) == nil {
			return nil
		}
		return fmt.Errorf("backend %s: status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend %s: decode: %w", path, err)
	}
	return nil
}
