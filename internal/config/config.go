package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string `toml:"http_address"`
	AuthPassword string `toml:"auth_password"`
	BackendURL   string `toml:"backend_url"`
	VisionURL    string `toml:"vision_url"`

	STTProvider    string   `toml:"stt_provider"`
	STTLang        string   `toml:"stt_lang"`
	DeepgramKey    string   `toml:"deepgram_api_key"`
	DeepgramModel  string   `toml:"deepgram_model"`
	AssemblyAIKey  string   `toml:"assemblyai_api_key"`
	RestartDelayMS int      `toml:"restart_delay_ms"`
	AudioSource    string   `toml:"audio_source"`
	ICEServers     []string `toml:"ice_servers"`
	VADMode        int      `toml:"vad_mode"`

	MatchThreshold     float64 `toml:"match_threshold"`
	PresenceIntervalMS int     `toml:"presence_interval_ms"`

	StateDB   string `toml:"state_db"`
	LogLevel  string `toml:"log_level"`
	LogPretty bool   `toml:"log_pretty"`
}

const (
	ProviderDeepgram   = "deepgram"
	ProviderAssemblyAI = "assemblyai"

	AudioWebRTC = "webrtc"
	AudioLocal  = "local"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddress:        ":8080",
		BackendURL:         "http://localhost:5000",
		VisionURL:          "http://localhost:8765",
		STTProvider:        ProviderDeepgram,
		STTLang:            "en-IN",
		DeepgramModel:      "nova-2",
		RestartDelayMS:     300,
		AudioSource:        AudioWebRTC,
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		VADMode:            2,
		MatchThreshold:     0.58,
		PresenceIntervalMS: 200,
		StateDB:            "./data/memoir.db",
		LogLevel:           "info",
	}
}

// Load reads .env, the optional TOML file at path and the environment, in
// that order of increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	str(&cfg.HTTPAddress, "HTTP_ADDRESS")
	str(&cfg.AuthPassword, "AUTH_PASSWORD")
	str(&cfg.BackendURL, "BACKEND_URL")
	str(&cfg.VisionURL, "VISION_URL")
	str(&cfg.STTProvider, "STT_PROVIDER")
	str(&cfg.STTLang, "STT_LANG")
	str(&cfg.DeepgramKey, "DEEPGRAM_API_KEY")
	str(&cfg.DeepgramModel, "DEEPGRAM_MODEL")
	str(&cfg.AssemblyAIKey, "ASSEMBLYAI_API_KEY")
	str(&cfg.AudioSource, "AUDIO_SOURCE")
	str(&cfg.StateDB, "STATE_DB")
	str(&cfg.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		cfg.ICEServers = strings.Split(v, ",")
	}
	if err := num(&cfg.RestartDelayMS, "RESTART_DELAY_MS"); err != nil {
		return Config{}, err
	}
	if err := num(&cfg.PresenceIntervalMS, "PRESENCE_INTERVAL_MS"); err != nil {
		return Config{}, err
	}
	if err := num(&cfg.VADMode, "VAD_MODE"); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("MATCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("MATCH_THRESHOLD: %w", err)
		}
		cfg.MatchThreshold = f
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("LOG_PRETTY: %w", err)
		}
		cfg.LogPretty = b
	}

	cfg.STTProvider = strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	cfg.AudioSource = strings.ToLower(strings.TrimSpace(cfg.AudioSource))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.warn()
	return cfg, nil
}

// RestartDelay is the recognizer restart delay.
func (c Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMS) * time.Millisecond
}

// PresenceInterval is the face polling period.
func (c Config) PresenceInterval() time.Duration {
	return time.Duration(c.PresenceIntervalMS) * time.Millisecond
}

func (c Config) validate() error {
	switch c.STTProvider {
	case ProviderDeepgram, ProviderAssemblyAI:
	default:
		return fmt.Errorf("STT_PROVIDER must be %q or %q, got %q", ProviderDeepgram, ProviderAssemblyAI, c.STTProvider)
	}
	switch c.AudioSource {
	case AudioWebRTC, AudioLocal:
	default:
		return fmt.Errorf("AUDIO_SOURCE must be %q or %q, got %q", AudioWebRTC, AudioLocal, c.AudioSource)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0,1], got %v", c.MatchThreshold)
	}
	if c.VADMode < -1 || c.VADMode > 3 {
		return fmt.Errorf("VAD_MODE must be -1 (off) or 0-3, got %d", c.VADMode)
	}
	if c.RestartDelayMS < 0 || c.PresenceIntervalMS <= 0 {
		return fmt.Errorf("invalid intervals: restart=%dms presence=%dms", c.RestartDelayMS, c.PresenceIntervalMS)
	}
	return nil
}

func (c Config) warn() {
	switch {
	case c.STTProvider == ProviderDeepgram && c.DeepgramKey == "":
		log.Warn().Msg("DEEPGRAM_API_KEY not set - transcription will not work")
	case c.STTProvider == ProviderAssemblyAI && c.AssemblyAIKey == "":
		log.Warn().Msg("ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if c.AuthPassword == "" {
		log.Warn().Msg("AUTH_PASSWORD not set - control API is open")
	}
	log.Info().Str("http_address", c.HTTPAddress).Str("backend", c.BackendURL).Str("stt", c.STTProvider).Msg("config loaded")
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func num(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
