package lock

import (
	"fmt"
	"log/slog"
	"time"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
	"github.com/mirkobrombin/go-namedlock/v1/watchbus"
)

// defaultCheckInterval is the poll cadence used when neither the manager nor
// the call configures one.
const defaultCheckInterval = 10 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

// WithExpiration sets the expiration applied to calls that do not pass
// their own. Zero disables the default expiration.
func WithExpiration(d time.Duration) Option {
	return func(m *Manager) {
		m.expiration = d
	}
}

// WithCheckInterval sets the default poll cadence. It must be positive.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.checkInterval = d
	}
}

// WithLogger sets the logger used for lock transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans around Run.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

// WithEvents publishes every lock transition to bus under EventKey.
func WithEvents(bus watchbus.WatchBus) Option {
	return func(m *Manager) {
		m.events = bus
	}
}

// RunOption configures a single Run, Wait or Submit call.
type RunOption func(*runConfig)

type runConfig struct {
	expiration    time.Duration
	checkInterval time.Duration
	err           error
}

// Expiration bounds the time the call waits and holds the lock. It must be
// positive.
func Expiration(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d <= 0 && c.err == nil {
			c.err = fmt.Errorf("lock: expiration %v must be positive: %w", d, warperrors.ErrInvalidArgument)
		}
		c.expiration = d
	}
}

// CheckInterval sets the poll cadence of the call. It must be positive.
func CheckInterval(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d <= 0 && c.err == nil {
			c.err = fmt.Errorf("lock: check interval %v must be positive: %w", d, warperrors.ErrInvalidArgument)
		}
		c.checkInterval = d
	}
}

func (m *Manager) runConfig(opts []RunOption) (runConfig, error) {
	cfg := runConfig{expiration: m.expiration, checkInterval: m.checkInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, cfg.err
}
