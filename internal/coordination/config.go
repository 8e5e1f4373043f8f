package coordination

import (
	"errors"
	"time"

	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
)

// Default configuration values.
const (
	DefaultTimeUnit        = time.Second
	DefaultTick            = 20 * time.Millisecond
	DefaultRTTFloor        = 50 * time.Millisecond
	DefaultRTTSmoothing    = 0.125
	DefaultDepartureFactor = 5.0
	DefaultEventBufferSize = 64
)

// Config holds the coordination engine configuration.
type Config struct {
	Session       string
	ParticipantID string
	Mode          Mode

	// Creator marks the participant that created the session. It starts
	// joined and, in host mode, as host.
	Creator bool

	// Liveness pacing. The keep-alive interval is
	// clamp(min(TimeUnit, avgRTT), Tick, TimeUnit) and a peer departs after
	// DepartureFactor times the larger of max RTT and that interval.
	TimeUnit        time.Duration
	Tick            time.Duration
	RTTFloor        time.Duration
	RTTSmoothing    float64
	DepartureFactor float64

	EventBufferSize int

	Logger  logging.Logger
	Metrics *metrics.Collector

	// Clock function for testing
	Clock func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeMutex,
		TimeUnit:        DefaultTimeUnit,
		Tick:            DefaultTick,
		RTTFloor:        DefaultRTTFloor,
		RTTSmoothing:    DefaultRTTSmoothing,
		DepartureFactor: DefaultDepartureFactor,
		EventBufferSize: DefaultEventBufferSize,
		Logger:          logging.Nop(),
		Clock:           time.Now,
	}
}

// Option is a functional option for configuring the engine.
type Option func(*Config)

// WithMode sets the exclusive-access strategy.
func WithMode(m Mode) Option {
	return func(c *Config) {
		c.Mode = m
	}
}

// AsCreator marks the local participant as the session creator.
func AsCreator() Option {
	return func(c *Config) {
		c.Creator = true
	}
}

// WithTimeUnit sets the liveness time unit.
func WithTimeUnit(d time.Duration) Option {
	return func(c *Config) {
		c.TimeUnit = d
	}
}

// WithTick sets the worker polling interval.
func WithTick(d time.Duration) Option {
	return func(c *Config) {
		c.Tick = d
	}
}

// WithRTTFloor sets the smallest accepted round-trip sample.
func WithRTTFloor(d time.Duration) Option {
	return func(c *Config) {
		c.RTTFloor = d
	}
}

// WithRTTSmoothing sets the weight of a new sample in the RTT moving average.
func WithRTTSmoothing(alpha float64) Option {
	return func(c *Config) {
		c.RTTSmoothing = alpha
	}
}

// WithDepartureFactor sets the silence threshold multiplier.
func WithDepartureFactor(f float64) Option {
	return func(c *Config) {
		c.DepartureFactor = f
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
	if c.Mode != ModeMutex && c.Mode != ModeHost {
		return ErrUnknownMode
	}
	if c.Tick <= 0 {
		return errors.New("Tick must be positive")
	}
	if c.TimeUnit < c.Tick {
		return errors.New("TimeUnit must be at least Tick")
	}
	if c.RTTFloor <= 0 {
		return errors.New("RTTFloor must be positive")
	}
	if c.RTTSmoothing <= 0 || c.RTTSmoothing > 1 {
		return errors.New("RTTSmoothing must be in (0, 1]")
	}
	if c.DepartureFactor <= 1 {
		return errors.New("DepartureFactor must exceed 1")
	}
	if c.EventBufferSize < 0 {
		return errors.New("EventBufferSize cannot be negative")
	}
	if c.Logger == nil {
		return errors.New("Logger cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("Clock function cannot be nil")
	}
	return nil
}
