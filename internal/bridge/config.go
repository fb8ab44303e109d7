package bridge

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/services"
)

var (
	ErrInvalidConfig = errors.New("bridge: invalid config")
	ErrNotConnected  = errors.New("bridge: not connected")
	ErrGaveUp        = errors.New("bridge: reconnect attempts exhausted")
)

// BackoffConfig shapes the delay between reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config is the host side of one bus connection.
type Config struct {
	Name    string
	Address string

	AuthPolicy    sasl.Policy
	UID           int
	Trace         string
	Obey          bool
	Member        string
	QueueCapacity int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadBuffer   int

	Reconnect   bool
	MaxAttempts int
	Backoff     BackoffConfig

	AdminAddr   string
	CorsOrigins []string
	// AdminToken, when set, is required as a bearer token on POST routes.
	AdminToken string
	// CallTimeout bounds how long an admin request waits for a bus reply.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:          "sigbus",
		Address:       services.Address{Host: "127.0.0.1", Port: services.DefaultPort}.String(),
		AuthPolicy:    sasl.ExternalThenAnonymous,
		UID:           os.Getuid(),
		Trace:         "sigbus",
		Obey:          true,
		Member:        services.MemberMessageReceived,
		QueueCapacity: 1,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		ReadBuffer:    64 * 1024,
		Reconnect:     true,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
		AdminAddr:   "127.0.0.1:7020",
		CallTimeout: 10 * time.Second,
	}
}

// Validate checks the fields Run depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if _, err := services.ParseAddress(c.Address); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial timeout must be positive", ErrInvalidConfig)
	}
	if c.ReadBuffer <= 0 {
		return fmt.Errorf("%w: read buffer must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacity < 0 || c.MaxAttempts < 0 {
		return fmt.Errorf("%w: queue capacity and max attempts must not be negative", ErrInvalidConfig)
	}
	if c.Backoff.Multiplier < 0 {
		return fmt.Errorf("%w: backoff multiplier must not be negative", ErrInvalidConfig)
	}
	return nil
}
