package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidateConfig performs validation on the complete configuration
func ValidateConfig(config *Config) error {
	if err := config.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config validation failed: %w", err)
	}
	if err := config.Mesh.Validate(); err != nil {
		return fmt.Errorf("mesh config validation failed: %w", err)
	}
	if config.Engine.Tick <= 0 {
		return fmt.Errorf("engine config validation failed: tick must be positive")
	}
	if err := config.Coordination.Validate(); err != nil {
		return fmt.Errorf("coordination config validation failed: %w", err)
	}
	if err := config.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if err := config.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor config validation failed: %w", err)
	}
	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("log config validation failed: %w", err)
	}
	return nil
}

// Validate validates the transport section
func (t *TransportConfig) Validate() error {
	ip := net.ParseIP(t.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("group %q is not an IPv4 multicast address", t.Group)
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", t.Port)
	}
	if t.TTL < 0 || t.TTL > 255 {
		return fmt.Errorf("ttl must be between 0 and 255, got %d", t.TTL)
	}
	for _, h := range t.InterfaceHosts {
		if h != "" && net.ParseIP(h) == nil {
			return fmt.Errorf("interface host %q is not an IP address", h)
		}
	}
	if t.PacketSize <= 46 {
		return fmt.Errorf("packet_size must exceed the 46-byte fragment header, got %d", t.PacketSize)
	}
	if t.MaxFragments <= 0 || t.MaxFragments > 99999 {
		return fmt.Errorf("max_fragments must be between 1 and 99999, got %d", t.MaxFragments)
	}
	if t.MaxPendingPackets <= 0 {
		return fmt.Errorf("max_pending_packets must be positive")
	}
	if t.ReassemblyTimeout <= 0 || t.Tick <= 0 {
		return fmt.Errorf("reassembly_timeout and tick must be positive")
	}
	if t.MessageBuffer < 0 {
		return fmt.Errorf("message_buffer cannot be negative")
	}
	return nil
}

// Validate validates the mesh section
func (m *MeshConfig) Validate() error {
	if m.AdvertiseHost != "" && net.ParseIP(m.AdvertiseHost) == nil {
		return fmt.Errorf("advertise_host %q is not an IP address", m.AdvertiseHost)
	}
	if m.AnnounceInterval <= 0 {
		return fmt.Errorf("announce_interval must be positive")
	}
	if m.DirectoryTTL < m.AnnounceInterval {
		return fmt.Errorf("directory_ttl must be at least announce_interval")
	}
	return nil
}

// Validate validates the coordination section
func (c *CoordinationConfig) Validate() error {
	switch c.Mode {
	case "", "mutex", "host":
	default:
		return fmt.Errorf("mode must be mutex or host, got %q", c.Mode)
	}
	if c.Tick <= 0 || c.TimeUnit < c.Tick {
		return fmt.Errorf("time_unit must be at least tick, and tick positive")
	}
	if c.RTTFloor <= 0 {
		return fmt.Errorf("rtt_floor must be positive")
	}
	if c.RTTSmoothing <= 0 || c.RTTSmoothing > 1 {
		return fmt.Errorf("rtt_smoothing must be in (0, 1], got %v", c.RTTSmoothing)
	}
	if c.DepartureFactor <= 1 {
		return fmt.Errorf("departure_factor must exceed 1, got %v", c.DepartureFactor)
	}
	return nil
}

// Validate validates the storage section
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "", "memory":
	case "sqlite", "pebble", "leveldb":
		if s.Path == "" {
			return fmt.Errorf("%s backend requires a path", s.Backend)
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}

// Validate validates the monitor section
func (m *MonitorConfig) Validate() error {
	if m.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return fmt.Errorf("listen address %q: %w", m.Listen, err)
	}
	if m.StreamInterval <= 0 {
		return fmt.Errorf("stream_interval must be positive")
	}
	return nil
}

// Validate validates the log section
func (l *LogConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", l.Level)
	}
}
