// Package config loads, validates and exports the sigbus settings file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/sigbus/internal/bridge"
	"github.com/danmuck/sigbus/internal/logging"
	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/services"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

var ErrInvalid = errors.New("config: invalid settings")

type Settings struct {
	Bus   BusSettings   `toml:"bus"`
	Admin AdminSettings `toml:"admin"`
	Log   LogSettings   `toml:"log"`
}

type BusSettings struct {
	Name          string `toml:"name"`
	Address       string `toml:"address"`
	Auth          string `toml:"auth"`
	UID           int    `toml:"uid"`
	Trace         string `toml:"trace"`
	Obey          bool   `toml:"obey"`
	Member        string `toml:"member"`
	QueueCapacity int    `toml:"queue_capacity"`
	DialTimeout   string `toml:"dial_timeout"`
	WriteTimeout  string `toml:"write_timeout"`
	ReadBuffer    int    `toml:"read_buffer"`

	Reconnect   bool           `toml:"reconnect"`
	MaxAttempts int            `toml:"max_attempts"`
	Backoff     BackoffSetting `toml:"backoff"`
}

type BackoffSetting struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type AdminSettings struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
	CallTimeout string   `toml:"call_timeout"`
}

type LogSettings struct {
	Level     string `toml:"level"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
	JSON      bool   `toml:"json"`
}

// Default mirrors bridge.DefaultConfig in file form.
func Default() Settings {
	b := bridge.DefaultConfig()
	return Settings{
		Bus: BusSettings{
			Name:          b.Name,
			Address:       b.Address,
			Auth:          b.AuthPolicy.String(),
			UID:           b.UID,
			Trace:         b.Trace,
			Obey:          b.Obey,
			Member:        b.Member,
			QueueCapacity: b.QueueCapacity,
			DialTimeout:   b.DialTimeout.String(),
			WriteTimeout:  b.WriteTimeout.String(),
			ReadBuffer:    b.ReadBuffer,
			Reconnect:     b.Reconnect,
			MaxAttempts:   b.MaxAttempts,
			Backoff: BackoffSetting{
				Initial:    b.Backoff.InitialDelay.String(),
				Multiplier: b.Backoff.Multiplier,
				Max:        b.Backoff.MaxDelay.String(),
				Jitter:     b.Backoff.Jitter,
			},
		},
		Admin: AdminSettings{
			Addr:        b.AdminAddr,
			CorsOrigins: []string{},
			CallTimeout: b.CallTimeout.String(),
		},
		Log: LogSettings{
			Level:     "info",
			Timestamp: true,
		},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte) (Settings, error) {
	s := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Settings{}, fmt.Errorf("config parse failed: %s", strict.String())
		}
		return Settings{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks every field that Bridge would otherwise reject later.
func (s Settings) Validate() error {
	if _, err := s.Bridge(); err != nil {
		return err
	}
	if _, ok := logging.ParseLevel(s.Log.Level); !ok && strings.TrimSpace(s.Log.Level) != "" {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, s.Log.Level)
	}
	return nil
}

// Bridge converts the settings into the runtime connection config.
func (s Settings) Bridge() (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	policy, err := sasl.ParsePolicy(s.Bus.Auth)
	if err != nil {
		return cfg, fmt.Errorf("%w: bus.auth: %w", ErrInvalid, err)
	}
	cfg.Name = strings.TrimSpace(s.Bus.Name)
	cfg.Address = strings.TrimSpace(s.Bus.Address)
	cfg.AuthPolicy = policy
	cfg.UID = s.Bus.UID
	cfg.Trace = s.Bus.Trace
	cfg.Obey = s.Bus.Obey
	cfg.Member = strings.TrimSpace(s.Bus.Member)
	if cfg.Member == "" {
		cfg.Member = services.MemberMessageReceived
	}
	cfg.QueueCapacity = s.Bus.QueueCapacity
	cfg.ReadBuffer = s.Bus.ReadBuffer
	cfg.Reconnect = s.Bus.Reconnect
	cfg.MaxAttempts = s.Bus.MaxAttempts
	cfg.Backoff.Multiplier = s.Bus.Backoff.Multiplier
	cfg.Backoff.Jitter = s.Bus.Backoff.Jitter
	cfg.AdminAddr = strings.TrimSpace(s.Admin.Addr)
	cfg.CorsOrigins = origins(s.Admin.CorsOrigins)
	cfg.AdminToken = strings.TrimSpace(s.Admin.Token)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"bus.dial_timeout", s.Bus.DialTimeout, &cfg.DialTimeout},
		{"bus.write_timeout", s.Bus.WriteTimeout, &cfg.WriteTimeout},
		{"bus.backoff.initial", s.Bus.Backoff.Initial, &cfg.Backoff.InitialDelay},
		{"bus.backoff.max", s.Bus.Backoff.Max, &cfg.Backoff.MaxDelay},
		{"admin.call_timeout", s.Admin.CallTimeout, &cfg.CallTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

func origins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Logging converts the log section. Environment overrides still apply in
// logging.Setup.
func (s Settings) Logging() logging.Config {
	level, ok := logging.ParseLevel(s.Log.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	return logging.Config{
		Level:     level,
		Timestamp: s.Log.Timestamp,
		NoColor:   s.Log.NoColor,
		Bypass:    s.Log.JSON,
	}
}

// Export renders s as TOML.
func Export(s Settings) ([]byte, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("config export failed: %w", err)
	}
	return data, nil
}
