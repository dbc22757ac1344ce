package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chadiek/memoir-glasses/internal/presence"
)

// Client talks to the on-device vision sidecar that owns the camera and the
// face models.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

// NewClient returns a client for the sidecar at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type detectResponse struct {
	Faces []presence.Detection `json:"faces"`
}

type descriptorResponse struct {
	Descriptor []float32 `json:"descriptor"`
}

// maxFrameBytes bounds a single camera frame.
const maxFrameBytes = 8 << 20

// Frame grabs the latest camera frame.
func (c *Client) Frame(ctx context.Context) (presence.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/frame", nil)
	if err != nil {
		return presence.Frame{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return presence.Frame{}, fmt.Errorf("vision frame: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return presence.Frame{}, fmt.Errorf("vision frame: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return presence.Frame{}, fmt.Errorf("vision frame: %w", err)
	}
	if len(img) == 0 {
		return presence.Frame{}, fmt.Errorf("vision frame: empty image")
	}
	w, _ := strconv.Atoi(resp.Header.Get("X-Frame-Width"))
	h, _ := strconv.Atoi(resp.Header.Get("X-Frame-Height"))
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return presence.Frame{Image: img, ContentType: ct, Width: w, Height: h, CapturedAt: time.Now()}, nil
}

// DetectFaces returns every face box in f.
func (c *Client) DetectFaces(ctx context.Context, f presence.Frame) ([]presence.Detection, error) {
	var out detectResponse
	if err := c.postImage(ctx, "/detect", f, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

// Descriptor returns the embedding of the largest face in f, or nil when
// the sidecar found none.
func (c *Client) Descriptor(ctx context.Context, f presence.Frame) ([]float32, error) {
	var out descriptorResponse
	if err := c.postImage(ctx, "/descriptor", f, &out); err != nil {
		return nil, err
	}
	return out.Descriptor, nil
}

func (c *Client) postImage(ctx context.Context, path string, f presence.Frame, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(f.Image))
	if err != nil {
		return err
	}
	ct := f.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("vision %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("vision %s: status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vision %s: decode: %w", path, err)
	}
	return nil
}
