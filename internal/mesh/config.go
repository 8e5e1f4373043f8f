package mesh

import (
	"errors"
	"time"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/coordination"
	"github.com/LeJamon/causalmesh/internal/discovery"
	"github.com/LeJamon/causalmesh/internal/eventlog"
	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
	"github.com/LeJamon/causalmesh/internal/transport"
)

// Default configuration values.
const (
	DefaultAnnounceInterval = time.Second
	DefaultDirectoryTTL     = 5 * time.Second
)

// Config holds the mesh configuration.
type Config struct {
	// ParticipantID identifies this process in every session. A random uuid
	// is used when empty.
	ParticipantID string

	// InterfaceHosts are the local interface addresses subscribed at start.
	// The empty string selects the default interface.
	InterfaceHosts []string

	// Advertised in the discovery description.
	AdvertiseHost string
	AdvertisePort int

	// Session directory pacing
	AnnounceInterval time.Duration
	DirectoryTTL     time.Duration

	// Per-component options
	TransportOptions    []transport.Option
	CausalOptions       []causal.Option
	CoordinationOptions []coordination.Option

	// Store logs every session's envelopes. Defaults to an in-memory store.
	Store eventlog.Store

	// Directory is the optional discovery collaborator.
	Directory discovery.Directory
	// ResolveHost maps a peer's advertised host to the local interface to
	// subscribe on.
	ResolveHost func(peerHost string) (string, error)

	Logger  logging.Logger
	Metrics *metrics.Collector

	// Clock function for testing
	Clock func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InterfaceHosts:   []string{""},
		AnnounceInterval: DefaultAnnounceInterval,
		DirectoryTTL:     DefaultDirectoryTTL,
		ResolveHost:      transport.LocalHostFor,
		Logger:           logging.Nop(),
		Clock:            time.Now,
	}
}

// Option is a functional option for configuring the mesh.
type Option func(*Config)

// WithParticipantID sets the local participant id.
func WithParticipantID(id string) Option {
	return func(c *Config) {
		c.ParticipantID = id
	}
}

// WithInterfaceHosts sets the interfaces subscribed at start.
func WithInterfaceHosts(hosts ...string) Option {
	return func(c *Config) {
		c.InterfaceHosts = hosts
	}
}

// WithAdvertise sets the host and port published to the directory.
func WithAdvertise(host string, port int) Option {
	return func(c *Config) {
		c.AdvertiseHost = host
		c.AdvertisePort = port
	}
}

// WithAnnounceInterval sets how often the session directory is broadcast.
func WithAnnounceInterval(d time.Duration) Option {
	return func(c *Config) {
		c.AnnounceInterval = d
	}
}

// WithDirectoryTTL sets how long a silent participant stays in the session
// directory.
func WithDirectoryTTL(d time.Duration) Option {
	return func(c *Config) {
		c.DirectoryTTL = d
	}
}

// WithTransportOptions appends transport options.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Config) {
		c.TransportOptions = append(c.TransportOptions, opts...)
	}
}

// WithCausalOptions appends options for every session's causal engine.
func WithCausalOptions(opts ...causal.Option) Option {
	return func(c *Config) {
		c.CausalOptions = append(c.CausalOptions, opts...)
	}
}

// WithCoordinationOptions appends options for every session's coordination engine.
func WithCoordinationOptions(opts ...coordination.Option) Option {
	return func(c *Config) {
		c.CoordinationOptions = append(c.CoordinationOptions, opts...)
	}
}

// WithStore sets the event log.
func WithStore(s eventlog.Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithDirectory sets the discovery collaborator.
func WithDirectory(d discovery.Directory) Option {
	return func(c *Config) {
		c.Directory = d
	}
}

// WithHostResolver sets how peer hosts map to local interfaces.
func WithHostResolver(fn func(string) (string, error)) Option {
	return func(c *Config) {
		c.ResolveHost = fn
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
	if c.AnnounceInterval <= 0 {
		return errors.New("AnnounceInterval must be positive")
	}
	if c.DirectoryTTL < c.AnnounceInterval {
		return errors.New("DirectoryTTL must be at least AnnounceInterval")
	}
	if c.AdvertisePort < 0 || c.AdvertisePort > 65535 {
		return errors.New("AdvertisePort out of range")
	}
	if c.ResolveHost == nil {
		return errors.New("ResolveHost cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("Logger cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("Clock function cannot be nil")
	}
	return nil
}
