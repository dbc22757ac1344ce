package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PCMSink receives 16kHz little-endian mono PCM from the glasses mic.
type PCMSink interface {
	SendPCM16KLE(pcm []byte) error
}

// ControlFunc handles a command received on the "control" data channel.
type ControlFunc func(ctx context.Context, cmd Command)

const (
	pcm16kChunkBytes = 3200 // 100ms at 16kHz
	decodeRate       = 16000
)

// Handler accepts the glasses' WebRTC offer, decodes the mic track and
// forwards it to the speech recognizer.
type Handler struct {
	sink       PCMSink
	iceServers []webrtc.ICEServer
	control    ControlFunc
	logger     zerolog.Logger

	mu     sync.Mutex
	active *webrtc.PeerConnection
}

// NewHandler builds a handler that forwards mic audio to sink.
func NewHandler(sink PCMSink, iceServers []string) *Handler {
	return &Handler{sink: sink, iceServers: parseICEServers(iceServers), logger: logging.Component("rtc")}
}

// WithControl installs the data channel command handler.
func (h *Handler) WithControl(fn ControlFunc) *Handler {
	h.control = fn
	return h
}

// HandleOffer accepts an SDP offer and returns an SDP answer. A new offer
// replaces the previous peer; the glasses only ever stream one mic.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	peerID := uuid.NewString()[:8]
	l := h.logger.With().Str("peer", peerID).Logger()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return SessionDescription{}, err
	}
	if _, err := peerConnection.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.Info().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			_ = peerConnection.Close()
			h.mu.Lock()
			if h.active == peerConnection {
				h.active = nil
			}
			h.mu.Unlock()
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l.Debug().Str("state", state.String()).Msg("ICE state")
	})

	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		l.Info().Msg("control channel opened")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd, err := ParseCommand(string(msg.Data))
			if err != nil {
				l.Debug().Err(err).Msg("ignoring control message")
				return
			}
			if h.control != nil {
				h.control(context.Background(), cmd)
			}
		})
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		l.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track received")
		dec, err := opus.NewDecoder(decodeRate, 1)
		if err != nil {
			l.Error().Err(err).Msg("opus decoder error")
			return
		}
		go h.readMic(l, remote, dec)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = peerConnection.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := peerConnection.LocalDescription()
	if local == nil {
		_ = peerConnection.Close()
		return SessionDescription{}, errors.New("no local description")
	}

	h.mu.Lock()
	prev := h.active
	h.active = peerConnection
	h.mu.Unlock()
	if prev != nil {
		l.Info().Msg("replacing previous mic peer")
		_ = prev.Close()
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Close hangs up the active peer.
func (h *Handler) Close() error {
	h.mu.Lock()
	pc := h.active
	h.active = nil
	h.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (h *Handler) readMic(l zerolog.Logger, remote *webrtc.TrackRemote, dec *opus.Decoder) {
	pcmSamples := make([]int16, 1920)
	chunks := newChunker(pcm16kChunkBytes)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			l.Debug().Err(readErr).Msg("RTP read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, pcmSamples)
		if decErr != nil {
			l.Debug().Err(decErr).Msg("opus decode error")
			continue
		}
		for _, chunk := range chunks.Write(pcmSamples[:n]) {
			if err := h.sink.SendPCM16KLE(chunk); err != nil {
				l.Debug().Err(err).Msg("pcm send error")
			}
		}
	}
}

// chunker re-frames decoded samples into fixed-size PCM16LE chunks.
type chunker struct {
	size int
	buf  []byte
}

func newChunker(size int) *chunker {
	return &chunker{size: size, buf: make([]byte, 0, size*4)}
}

// Write appends samples and returns every complete chunk. Returned slices
// are owned by the caller.
func (c *chunker) Write(samples []int16) [][]byte {
	for _, s := range samples {
		c.buf = binary.LittleEndian.AppendUint16(c.buf, uint16(s))
	}
	var out [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		out = append(out, chunk)
		n := copy(c.buf, c.buf[c.size:])
		c.buf = c.buf[:n]
	}
	return out
}

func parseICEServers(urls []string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return out
}
