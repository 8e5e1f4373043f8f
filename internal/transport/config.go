package transport

import (
	"errors"
	"time"

	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
)

// Default configuration values.
const (
	DefaultGroup = "225.0.13.37"
	DefaultPort  = 8123
	DefaultTTL   = 1

	DefaultPacketSize        = 150
	DefaultMaxFragments      = 10000
	DefaultMaxPendingPackets = 1024
	DefaultReassemblyTimeout = 10 * time.Second
	DefaultTick              = 20 * time.Millisecond
	DefaultMessageBufferSize = 1024
)

// Config holds the transport configuration.
type Config struct {
	// Datagram geometry
	PacketSize   int
	MaxFragments int

	// Payload compression (lz4) for large payloads
	EnableCompression bool

	// Reassembly buffer bounds
	MaxPendingPackets int
	ReassemblyTimeout time.Duration

	// Worker pacing and buffering
	Tick              time.Duration
	MessageBufferSize int

	Logger  logging.Logger
	Metrics *metrics.Collector

	// Clock function for testing
	Clock func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PacketSize:        DefaultPacketSize,
		MaxFragments:      DefaultMaxFragments,
		EnableCompression: true,
		MaxPendingPackets: DefaultMaxPendingPackets,
		ReassemblyTimeout: DefaultReassemblyTimeout,
		Tick:              DefaultTick,
		MessageBufferSize: DefaultMessageBufferSize,
		Logger:            logging.Nop(),
		Clock:             time.Now,
	}
}

// Option is a functional option for configuring the transport.
type Option func(*Config)

// WithPacketSize sets the maximum datagram size, header included.
func WithPacketSize(n int) Option {
	return func(c *Config) {
		c.PacketSize = n
	}
}

// WithMaxFragments sets the hard cap on fragments per logical message.
func WithMaxFragments(n int) Option {
	return func(c *Config) {
		c.MaxFragments = n
	}
}

// WithCompression enables or disables payload compression.
func WithCompression(enabled bool) Option {
	return func(c *Config) {
		c.EnableCompression = enabled
	}
}

// WithMaxPendingPackets bounds the number of incomplete packets held for reassembly.
func WithMaxPendingPackets(n int) Option {
	return func(c *Config) {
		c.MaxPendingPackets = n
	}
}

// WithReassemblyTimeout sets how long an incomplete packet is kept.
func WithReassemblyTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReassemblyTimeout = d
	}
}

// WithTick sets the worker polling interval.
func WithTick(d time.Duration) Option {
	return func(c *Config) {
		c.Tick = d
	}
}

// WithMessageBufferSize sets the reassembled message channel buffer size.
func WithMessageBufferSize(n int) Option {
	return func(c *Config) {
		c.MessageBufferSize = n
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

// FragmentCapacity returns the number of payload bytes carried per datagram.
func (c *Config) FragmentCapacity() int {
	return c.PacketSize - HeaderSize
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.PacketSize <= HeaderSize {
		return errors.New("PacketSize must exceed the fragment header size")
	}
	if c.MaxFragments <= 0 || c.MaxFragments > maxHeaderCount {
		return errors.New("MaxFragments must be between 1 and 99999")
	}
	if c.MaxPendingPackets <= 0 {
		return errors.New("MaxPendingPackets must be positive")
	}
	if c.ReassemblyTimeout <= 0 {
		return errors.New("ReassemblyTimeout must be positive")
	}
	if c.Tick <= 0 {
		return errors.New("Tick must be positive")
	}
	if c.MessageBufferSize < 0 {
		return errors.New("MessageBufferSize cannot be negative")
	}
	if c.Logger == nil {
		return errors.New("Logger cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("Clock function cannot be nil")
	}
	return nil
}
