package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/storycircle/internal/connection"
)

// KnownModalities lists the modalities the bot understands. Unknown names are
// passed through with a warning.
var KnownModalities = []string{"audio", "text"}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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

	// Transport
	tr := cfg.Transport
	switch {
	case tr.Kind == "":
		errs = append(errs, errors.New("transport.kind is required; valid values: broker, direct"))
	case !tr.Kind.IsValid():
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: broker, direct", tr.Kind))
	}
	if tr.Kind == connection.KindBroker {
		if tr.ProxyBase == "" {
			errs = append(errs, errors.New("transport.proxy_base is required when kind is broker"))
		} else if err := checkURL(tr.ProxyBase, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("transport.proxy_base: %w", err))
		}
	}
	if tr.Kind == connection.KindDirect {
		if tr.DirectURL == "" {
			errs = append(errs, errors.New("transport.direct_url is required when kind is direct"))
		} else if err := checkURL(tr.DirectURL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("transport.direct_url: %w", err))
		}
	}
	if tr.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("transport.settle_delay %s must not be negative", tr.SettleDelay))
	}

	// Session
	s := cfg.Session
	if s.Chapter < 0 {
		errs = append(errs, fmt.Errorf("session.chapter %d must not be negative", s.Chapter))
	}
	if s.PreviousChapter < 0 {
		errs = append(errs, fmt.Errorf("session.previous_chapter %d must not be negative", s.PreviousChapter))
	}
	for i, m := range s.Modalities {
		if m == "" {
			errs = append(errs, fmt.Errorf("session.modalities[%d] is empty", i))
			continue
		}
		if !slices.Contains(KnownModalities, m) {
			slog.Warn("unknown modality, passing through", "modality", m, "known", KnownModalities)
		}
	}
	if s.HandoffModality != "" && len(s.Modalities) > 0 && !slices.Contains(s.Modalities, s.HandoffModality) {
		errs = append(errs, fmt.Errorf("session.handoff_modality %q is not one of session.modalities %v", s.HandoffModality, s.Modalities))
	}
	if s.AutoConnect && s.BookID == "" {
		slog.Warn("session.auto_connect is set but session.book_id is empty")
	}

	// Persistence
	p := cfg.Persistence
	if p.Debounce < 0 {
		errs = append(errs, fmt.Errorf("persistence.debounce %s must not be negative", p.Debounce))
	}
	if p.AutoSave && (s.StudentID == "" || s.BookID == "") {
		slog.Warn("persistence.auto_save is set but session.student_id or session.book_id is empty; nothing will be saved")
	}
	if p.Resume && (s.StudentID == "" || s.BookID == "") {
		errs = append(errs, errors.New("persistence.resume requires session.student_id and session.book_id"))
	}
	if p.PostgresDSN == "" && p.AutoSave {
		slog.Warn("persistence.postgres_dsn is empty; conversations are kept in memory only")
	}

	// Voice bot
	if d := cfg.VoiceBot.SleepAfter; d != 0 && d < time.Second {
		errs = append(errs, fmt.Errorf("voicebot.sleep_after %s must be at least 1s", d))
	}

	return errors.Join(errs...)
}

// checkURL reports an error unless raw is an absolute URL with one of the
// given schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %v url", raw, schemes)
	}
	return nil
}
