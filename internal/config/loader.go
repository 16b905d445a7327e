package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidDeviceNames lists the built-in device implementations per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidDeviceNames = map[string][]string{
	"capture":  {"portaudio"},
	"playback": {"ffplay", "null"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Assistant
	if cfg.Assistant.BaseURL == "" {
		errs = append(errs, errors.New("assistant.base_url is required"))
	} else if err := validateURL(cfg.Assistant.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("assistant.base_url: %w", err))
	}
	for i, u := range cfg.Assistant.FallbackURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Errorf("assistant.fallback_urls[%d]: %w", i, err))
		}
	}
	errs = appendNegative(errs, "assistant.timeout_ms", cfg.Assistant.TimeoutMs)
	errs = appendNegative(errs, "assistant.rate_limit_cooldown_ms", cfg.Assistant.RateLimitCooldownMs)
	errs = appendNegative(errs, "assistant.circuit_breaker.max_failures", cfg.Assistant.CircuitBreaker.MaxFailures)
	errs = appendNegative(errs, "assistant.circuit_breaker.reset_timeout_ms", cfg.Assistant.CircuitBreaker.ResetTimeoutMs)

	// Audio
	au := cfg.Audio
	validateDeviceName("capture", au.Capture.Name)
	validateDeviceName("playback", au.Playback.Name)
	if au.Channels < 0 || au.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", au.Channels))
	}
	errs = appendNegative(errs, "audio.sample_rate", au.SampleRate)
	errs = appendNegative(errs, "audio.frame_ms", au.FrameMs)
	errs = appendNegative(errs, "audio.tick_ms", au.TickMs)
	errs = appendNegative(errs, "audio.playback_gap_ms", au.PlaybackGapMs)

	// VAD
	v := cfg.VAD
	if v.MinCalibrationFrames > 0 && v.CalibrationFrames > 0 && v.MinCalibrationFrames > v.CalibrationFrames {
		errs = append(errs, fmt.Errorf("vad.min_calibration_frames %d exceeds vad.calibration_frames %d", v.MinCalibrationFrames, v.CalibrationFrames))
	}
	if v.SpikeRatio < 0 || v.StartDelta < 0 || v.StopDelta < 0 {
		errs = append(errs, errors.New("vad thresholds must not be negative"))
	}
	if v.StartDelta > 0 && v.StopDelta > v.StartDelta {
		errs = append(errs, fmt.Errorf("vad.stop_delta %.2f exceeds vad.start_delta %.2f", v.StopDelta, v.StartDelta))
	}
	if v.MutedBoost < 1 {
		errs = append(errs, fmt.Errorf("vad.muted_boost %.2f must be at least 1", v.MutedBoost))
	}

	// Segmenter
	s := cfg.Segmenter
	errs = appendNegative(errs, "segmenter.sustained_frames", s.SustainedFrames)
	errs = appendNegative(errs, "segmenter.silence_ms", s.SilenceMs)
	errs = appendNegative(errs, "segmenter.max_recording_ms", s.MaxRecordingMs)
	if s.MaxRecordingMs > 0 && s.MinVoiceMs > s.MaxRecordingMs {
		errs = append(errs, fmt.Errorf("segmenter.min_voice_ms %d exceeds segmenter.max_recording_ms %d", s.MinVoiceMs, s.MaxRecordingMs))
	}

	// Conversation
	errs = appendNegative(errs, "conversation.idle_recordings", cfg.Conversation.IdleRecordings)
	errs = appendNegative(errs, "conversation.drain_timeout_ms", cfg.Conversation.DrainTimeoutMs)
	for i, p := range cfg.Conversation.ExitPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("conversation.exit_phrases[%d] is empty", i))
		}
	}
	if len(cfg.Conversation.ExitPhrases) == 0 {
		slog.Warn("conversation.exit_phrases is empty; conversations end only after idle recordings or an error")
	}

	// Wake word
	if cfg.WakeWord.Enabled && cfg.WakeWord.BurstMs < 500 {
		errs = append(errs, fmt.Errorf("wake_word.burst_ms %d is too short; minimum 500", cfg.WakeWord.BurstMs))
	}
	errs = appendNegative(errs, "wake_word.retry_backoff_ms", cfg.WakeWord.RetryBackoffMs)

	// Identity
	if cfg.Identity.PostgresDSN == "" {
		slog.Warn("identity.postgres_dsn is empty; thread and assistant ids will not survive a restart")
	}

	errs = appendNegative(errs, "display.history", cfg.Display.History)

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, v int) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s %d must not be negative", field, v))
	}
	return errs
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is empty")
	}
	return nil
}

// validateDeviceName logs a warning if name is non-empty and not found in
// the [ValidDeviceNames] list for the given kind.
func validateDeviceName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidDeviceNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown device name, may be a typo or a third-party device",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
