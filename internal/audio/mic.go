// Package audio captures the local microphone with PortAudio for setups
// where the engine runs on the wearable itself instead of behind WebRTC.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
)

const (
	sampleRate      = 16000
	channels        = 1
	framesPerBuffer = 1600 // 100ms
)

// Sink receives 16kHz little-endian mono PCM.
type Sink interface {
	SendPCM16KLE(pcm []byte) error
}

// Mic streams the default input device into a Sink.
type Mic struct {
	sink   Sink
	logger zerolog.Logger
}

// NewMic returns a capture bound to sink.
func NewMic(sink Sink) *Mic {
	return &Mic{sink: sink, logger: logging.Component("audio")}
}

// Run initializes PortAudio, captures until ctx is done and terminates
// PortAudio on the way out.
func (m *Mic) Run(ctx context.Context) error {
	m.logger.Info().Msg("initializing PortAudio")
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			m.logger.Warn().Err(err).Msg("error terminating PortAudio")
		}
	}()

	buffer := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(channels, 0, sampleRate, len(buffer), &buffer)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
	}()
	m.logger.Info().Int("sample_rate", sampleRate).Msg("mic capture started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := stream.Read(); err != nil {
			// overflow just means we were slow; keep going
			if err == portaudio.InputOverflowed {
				m.logger.Debug().Msg("input overflowed")
				continue
			}
			return fmt.Errorf("mic read: %w", err)
		}
		if err := m.sink.SendPCM16KLE(samplesToPCM(buffer)); err != nil {
			m.logger.Debug().Err(err).Msg("pcm send error")
		}
	}
}

// samplesToPCM copies samples into a fresh little-endian byte slice.
func samplesToPCM(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}
