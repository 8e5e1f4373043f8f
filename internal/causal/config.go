package causal

import (
	"errors"
	"time"

	"github.com/LeJamon/causalmesh/internal/eventlog"
	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
)

// DefaultTick is the worker polling interval.
const DefaultTick = 50 * time.Millisecond

// Config holds the engine configuration.
type Config struct {
	// Session is the router destination the engine owns.
	Session string
	// ParticipantID is the local clock component.
	ParticipantID string

	Tick time.Duration

	// Log receives every sent and delivered envelope. Defaults to an
	// in-memory store.
	Log eventlog.Store

	Logger  logging.Logger
	Metrics *metrics.Collector

	// Clock function for testing
	Clock func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Tick:   DefaultTick,
		Logger: logging.Nop(),
		Clock:  time.Now,
	}
}

// Option is a functional option for configuring the engine.
type Option func(*Config)

// WithTick sets the worker polling interval.
func WithTick(d time.Duration) Option {
	return func(c *Config) {
		c.Tick = d
	}
}

// WithLog sets the event log.
func WithLog(s eventlog.Store) Option {
	return func(c *Config) {
		c.Log = s
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithClock sets the clock function (for testing).
func WithClock(clock func() time.Time) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Session == "" {
		return errors.New("Session cannot be empty")
	}
	if c.ParticipantID == "" {
		return errors.New("ParticipantID cannot be empty")
	}
	if c.Tick <= 0 {
		return errors.New("Tick must be positive")
	}
	if c.Logger == nil {
		return errors.New("Logger cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("Clock function cannot be nil")
	}
	return nil
}
