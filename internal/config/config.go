package config

import "time"

// Config represents the complete causalmeshd configuration.
type Config struct {
	// ParticipantID identifies this process in every session. Empty means a
	// random id per start.
	ParticipantID string `toml:"participant_id" mapstructure:"participant_id"`

	Transport    TransportConfig    `toml:"transport" mapstructure:"transport"`
	Mesh         MeshConfig         `toml:"mesh" mapstructure:"mesh"`
	Engine       EngineConfig       `toml:"engine" mapstructure:"engine"`
	Coordination CoordinationConfig `toml:"coordination" mapstructure:"coordination"`
	Storage      StorageConfig      `toml:"storage" mapstructure:"storage"`
	Monitor      MonitorConfig      `toml:"monitor" mapstructure:"monitor"`
	Log          LogConfig          `toml:"log" mapstructure:"log"`

	configPath string
}

// TransportConfig configures the multicast medium and the fragmenting transport.
type TransportConfig struct {
	Group          string   `toml:"group" mapstructure:"group"`
	Port           int      `toml:"port" mapstructure:"port"`
	TTL            int      `toml:"ttl" mapstructure:"ttl"`
	Loopback       bool     `toml:"loopback" mapstructure:"loopback"`
	InterfaceHosts []string `toml:"interface_hosts" mapstructure:"interface_hosts"`

	PacketSize        int           `toml:"packet_size" mapstructure:"packet_size"`
	MaxFragments      int           `toml:"max_fragments" mapstructure:"max_fragments"`
	Compression       bool          `toml:"compression" mapstructure:"compression"`
	MaxPendingPackets int           `toml:"max_pending_packets" mapstructure:"max_pending_packets"`
	ReassemblyTimeout time.Duration `toml:"reassembly_timeout" mapstructure:"reassembly_timeout"`
	Tick              time.Duration `toml:"tick" mapstructure:"tick"`
	MessageBuffer     int           `toml:"message_buffer" mapstructure:"message_buffer"`
}

// MeshConfig configures the session directory and discovery description.
type MeshConfig struct {
	AdvertiseHost    string        `toml:"advertise_host" mapstructure:"advertise_host"`
	AnnounceInterval time.Duration `toml:"announce_interval" mapstructure:"announce_interval"`
	DirectoryTTL     time.Duration `toml:"directory_ttl" mapstructure:"directory_ttl"`
}

// EngineConfig configures the causal ordering engine.
type EngineConfig struct {
	Tick time.Duration `toml:"tick" mapstructure:"tick"`
}

// CoordinationConfig configures exclusive access and liveness.
type CoordinationConfig struct {
	Mode            string        `toml:"mode" mapstructure:"mode"`
	TimeUnit        time.Duration `toml:"time_unit" mapstructure:"time_unit"`
	Tick            time.Duration `toml:"tick" mapstructure:"tick"`
	RTTFloor        time.Duration `toml:"rtt_floor" mapstructure:"rtt_floor"`
	RTTSmoothing    float64       `toml:"rtt_smoothing" mapstructure:"rtt_smoothing"`
	DepartureFactor float64       `toml:"departure_factor" mapstructure:"departure_factor"`
}

// StorageConfig selects the event log backend.
type StorageConfig struct {
	Backend string `toml:"backend" mapstructure:"backend"`
	Path    string `toml:"path" mapstructure:"path"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// MonitorConfig configures the monitoring HTTP server. An empty Listen
// disables it.
type MonitorConfig struct {
	Listen         string        `toml:"listen" mapstructure:"listen"`
	StreamInterval time.Duration `toml:"stream_interval" mapstructure:"stream_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
}

// GetConfigPath returns the path the configuration was loaded from.
func (c *Config) GetConfigPath() string {
	return c.configPath
}
