// Package metrics exposes prometheus collectors for the mesh components.
//
// Every method is safe to call on a nil *Collector, so components can run
// without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "causalmesh"

// Eviction reasons for incomplete reassembly packets.
const (
	EvictCapacity = "capacity"
	EvictTimeout  = "timeout"
	EvictShutdown = "shutdown"
)

// Router drop reasons.
const (
	DropUnregistered = "unregistered"
	DropUndecodable  = "undecodable"
)

// Collector holds every metric exported by one mesh instance.
type Collector struct {
	registry *prometheus.Registry

	datagramsSent     prometheus.Counter
	datagramsReceived prometheus.Counter
	datagramsBad      prometheus.Counter
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	packetsEvicted    *prometheus.CounterVec
	reassemblyPending prometheus.Gauge

	routed  *prometheus.CounterVec
	dropped *prometheus.CounterVec

	envelopesSent      *prometheus.CounterVec
	envelopesDelivered *prometheus.CounterVec
	envelopesDuplicate *prometheus.CounterVec
	waitingRoom        *prometheus.GaugeVec

	mutexState      *prometheus.GaugeVec
	mutexAcquired   *prometheus.CounterVec
	peers           *prometheus.GaugeVec
	peerRTT         *prometheus.GaugeVec
	peerDepartures  *prometheus.CounterVec
	hostChanges     *prometheus.CounterVec
	retransmissions *prometheus.CounterVec
}

// New creates a Collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		datagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "datagrams_sent_total",
			Help: "Datagrams written to the multicast medium.",
		}),
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "datagrams_received_total",
			Help: "Datagrams read from the multicast medium.",
		}),
		datagramsBad: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "datagrams_malformed_total",
			Help: "Datagrams dropped because their header or payload frame could not be decoded.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "messages_sent_total",
			Help: "Logical messages fragmented and queued for sending.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "messages_reassembled_total",
			Help: "Logical messages fully reassembled.",
		}),
		packetsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "packets_evicted_total",
			Help: "Incomplete packets dropped from the reassembly buffer.",
		}, []string{"reason"}),
		reassemblyPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "reassembly_pending",
			Help: "Incomplete packets currently held for reassembly.",
		}),

		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "packets_routed_total",
			Help: "Packets routed to a registered destination.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "packets_dropped_total",
			Help: "Packets dropped by the router.",
		}, []string{"reason"}),

		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "causal", Name: "envelopes_sent_total",
			Help: "Envelopes stamped and sent.",
		}, []string{"session"}),
		envelopesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "causal", Name: "envelopes_delivered_total",
			Help: "Envelopes delivered in causal order.",
		}, []string{"session"}),
		envelopesDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "causal", Name: "envelopes_duplicate_total",
			Help: "Envelopes discarded because they were already delivered.",
		}, []string{"session"}),
		waitingRoom: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "causal", Name: "waiting_room_size",
			Help: "Envelopes buffered until causally deliverable.",
		}, []string{"session"}),

		mutexState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "mutex_state",
			Help: "Local mutex state (0 released, 1 wanted, 2 held).",
		}, []string{"session"}),
		mutexAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "mutex_acquisitions_total",
			Help: "Times the local participant entered the held state.",
		}, []string{"session"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "peers",
			Help: "Live peers known to the session.",
		}, []string{"session"}),
		peerRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "peer_rtt_seconds",
			Help: "Smoothed round-trip time per peer.",
		}, []string{"session", "peer"}),
		peerDepartures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "peer_departures_total",
			Help: "Peers declared departed.",
		}, []string{"session", "reason"}),
		hostChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "host_changes_total",
			Help: "Accepted host election announcements.",
		}, []string{"session"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordination", Name: "host_requests_retransmitted_total",
			Help: "Host requests sent again after an election.",
		}, []string{"session"}),
	}

	c.registry.MustRegister(
		c.datagramsSent, c.datagramsReceived, c.datagramsBad,
		c.messagesSent, c.messagesReceived, c.packetsEvicted, c.reassemblyPending,
		c.routed, c.dropped,
		c.envelopesSent, c.envelopesDelivered, c.envelopesDuplicate, c.waitingRoom,
		c.mutexState, c.mutexAcquired, c.peers, c.peerRTT, c.peerDepartures,
		c.hostChanges, c.retransmissions,
	)
	return c
}

// Registry returns the registry holding this collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Transport

func (c *Collector) DatagramSent() {
	if c != nil {
		c.datagramsSent.Inc()
	}
}

func (c *Collector) DatagramReceived() {
	if c != nil {
		c.datagramsReceived.Inc()
	}
}

func (c *Collector) DatagramMalformed() {
	if c != nil {
		c.datagramsBad.Inc()
	}
}

func (c *Collector) MessageSent() {
	if c != nil {
		c.messagesSent.Inc()
	}
}

func (c *Collector) MessageReassembled() {
	if c != nil {
		c.messagesReceived.Inc()
	}
}

func (c *Collector) PacketEvicted(reason string) {
	if c != nil {
		c.packetsEvicted.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) SetReassemblyPending(n int) {
	if c != nil {
		c.reassemblyPending.Set(float64(n))
	}
}

// Router

func (c *Collector) PacketRouted(kind string) {
	if c != nil {
		c.routed.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) PacketDropped(reason string) {
	if c != nil {
		c.dropped.WithLabelValues(reason).Inc()
	}
}

// Causal ordering

func (c *Collector) EnvelopeSent(session string) {
	if c != nil {
		c.envelopesSent.WithLabelValues(session).Inc()
	}
}

func (c *Collector) EnvelopeDelivered(session string) {
	if c != nil {
		c.envelopesDelivered.WithLabelValues(session).Inc()
	}
}

func (c *Collector) EnvelopeDuplicate(session string) {
	if c != nil {
		c.envelopesDuplicate.WithLabelValues(session).Inc()
	}
}

func (c *Collector) SetWaitingRoom(session string, n int) {
	if c != nil {
		c.waitingRoom.WithLabelValues(session).Set(float64(n))
	}
}

// Coordination

func (c *Collector) SetMutexState(session string, state int) {
	if c != nil {
		c.mutexState.WithLabelValues(session).Set(float64(state))
	}
}

func (c *Collector) MutexAcquired(session string) {
	if c != nil {
		c.mutexAcquired.WithLabelValues(session).Inc()
	}
}

func (c *Collector) SetPeers(session string, n int) {
	if c != nil {
		c.peers.WithLabelValues(session).Set(float64(n))
	}
}

func (c *Collector) SetPeerRTT(session, peer string, seconds float64) {
	if c != nil {
		c.peerRTT.WithLabelValues(session, peer).Set(seconds)
	}
}

func (c *Collector) PeerDeparted(session, peer, reason string) {
	if c != nil {
		c.peerDepartures.WithLabelValues(session, reason).Inc()
		c.peerRTT.DeleteLabelValues(session, peer)
	}
}

func (c *Collector) HostChanged(session string) {
	if c != nil {
		c.hostChanges.WithLabelValues(session).Inc()
	}
}

func (c *Collector) HostRequestRetransmitted(session string) {
	if c != nil {
		c.retransmissions.WithLabelValues(session).Inc()
	}
}

// ForgetSession removes every series labelled with session.
func (c *Collector) ForgetSession(session string) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"session": session}
	c.envelopesSent.DeletePartialMatch(labels)
	c.envelopesDelivered.DeletePartialMatch(labels)
	c.envelopesDuplicate.DeletePartialMatch(labels)
	c.waitingRoom.DeletePartialMatch(labels)
	c.mutexState.DeletePartialMatch(labels)
	c.mutexAcquired.DeletePartialMatch(labels)
	c.peers.DeletePartialMatch(labels)
	c.peerRTT.DeletePartialMatch(labels)
	c.peerDepartures.DeletePartialMatch(labels)
	c.hostChanges.DeletePartialMatch(labels)
	c.retransmissions.DeletePartialMatch(labels)
}
