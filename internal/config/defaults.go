package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults sets every default value. They match the component defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("participant_id", "")

	v.SetDefault("transport.group", "225.0.13.37")
	v.SetDefault("transport.port", 8123)
	v.SetDefault("transport.ttl", 1)
	v.SetDefault("transport.loopback", true)
	v.SetDefault("transport.interface_hosts", []string{""})
	v.SetDefault("transport.packet_size", 150)
	v.SetDefault("transport.max_fragments", 10000)
	v.SetDefault("transport.compression", true)
	v.SetDefault("transport.max_pending_packets", 1024)
	v.SetDefault("transport.reassembly_timeout", 10*time.Second)
	v.SetDefault("transport.tick", 20*time.Millisecond)
	v.SetDefault("transport.message_buffer", 1024)

	v.SetDefault("mesh.advertise_host", "")
	v.SetDefault("mesh.announce_interval", time.Second)
	v.SetDefault("mesh.directory_ttl", 5*time.Second)

	v.SetDefault("engine.tick", 50*time.Millisecond)

	v.SetDefault("coordination.mode", "mutex")
	v.SetDefault("coordination.time_unit", time.Second)
	v.SetDefault("coordination.tick", 20*time.Millisecond)
	v.SetDefault("coordination.rtt_floor", 50*time.Millisecond)
	v.SetDefault("coordination.rtt_smoothing", 0.125)
	v.SetDefault("coordination.departure_factor", 5.0)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("monitor.listen", "")
	v.SetDefault("monitor.stream_interval", time.Second)

	v.SetDefault("log.level", "info")
}
