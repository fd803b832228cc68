// Package metrics exposes the MPRPC core's Prometheus instrumentation
// using github.com/prometheus/client_golang for per-component counters
// and gauges, in the style of aistore's stats package and dittofs's
// observability layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the metrics every actor in the core reports to. A nil
// *Registry is valid everywhere it is used (all methods are no-ops),
// so wiring it is opt-in.
type Registry struct {
	PacketsSent     prometheus.Counter
	PacketsRecv     prometheus.Counter
	BytesSent       prometheus.Counter
	BytesRecv       prometheus.Counter
	ConnectionsOpen prometheus.Gauge
	ReassemblySize  prometheus.Gauge
	RelayForwarded  prometheus.Counter
	RelayDropped    prometheus.Counter
	MessagesFailed  *prometheus.CounterVec
}

// New constructs a Registry and registers its collectors with reg.
func New(reg prometheus.Registerer, namespace string) *Registry {
	m := &Registry{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total", Help: "Packets written to sockets.",
		}),
		PacketsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total", Help: "Packets read from sockets.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Bytes written to sockets.",
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total", Help: "Bytes read from sockets.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open", Help: "Connections currently Active or Connecting.",
		}),
		ReassemblySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reassembly_table_size", Help: "In-flight partial messages across all connections.",
		}),
		RelayForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_forwarded_total", Help: "Packets forwarded by the relay engine.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_dropped_total", Help: "Relay packets dropped as duplicates or unroutable.",
		}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_failed_total", Help: "Messages completed with a non-nil error, by error kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.PacketsSent, m.PacketsRecv, m.BytesSent, m.BytesRecv,
			m.ConnectionsOpen, m.ReassemblySize, m.RelayForwarded, m.RelayDropped, m.MessagesFailed)
	}
	return m
}

func (m *Registry) incPacketsSent(n int) {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Registry) incPacketsRecv(n int) {
	if m == nil {
		return
	}
	m.PacketsRecv.Inc()
	m.BytesRecv.Add(float64(n))
}

// ObservePacketSent records one outgoing packet of n bytes.
func (m *Registry) ObservePacketSent(n int) { m.incPacketsSent(n) }

// ObservePacketRecv records one incoming packet of n bytes.
func (m *Registry) ObservePacketRecv(n int) { m.incPacketsRecv(n) }

// SetConnectionsOpen reports the current open-connection count.
func (m *Registry) SetConnectionsOpen(n int) {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Set(float64(n))
}

// SetReassemblySize reports the current in-flight reassembly count.
func (m *Registry) SetReassemblySize(n int) {
	if m == nil {
		return
	}
	m.ReassemblySize.Set(float64(n))
}

// ObserveRelayForward records one successfully forwarded relay packet.
func (m *Registry) ObserveRelayForward() {
	if m == nil {
		return
	}
	m.RelayForwarded.Inc()
}

// ObserveRelayDrop records one dropped relay packet (duplicate or
// unroutable session).
func (m *Registry) ObserveRelayDrop() {
	if m == nil {
		return
	}
	m.RelayDropped.Inc()
}

// ObserveMessageFailed records a message-scoped completion error by kind.
func (m *Registry) ObserveMessageFailed(kind string) {
	if m == nil {
		return
	}
	m.MessagesFailed.WithLabelValues(kind).Inc()
}
