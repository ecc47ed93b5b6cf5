package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client side.
var (
	SocketsOpen        = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelnet_sockets_open", Help: "Tunnel sockets currently registered in the multiplexer"})
	HandshakeFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_handshake_failures_total", Help: "Tunnel handshake failures by stage"}, []string{"stage"})
	ProxyLookupsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelnet_proxy_lookups_total", Help: "GETPROXY exchanges with the gateway"})
	ReconnectsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_reconnects_total", Help: "Automatic re-handshakes by result"}, []string{"result"})
	KeepalivesTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelnet_keepalives_total", Help: "Keepalive newlines written"})
	BytesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_bytes_total", Help: "Tunnel payload bytes by direction"}, []string{"dir"})
	PacketsSentTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelnet_packets_sent_total", Help: "Envelopes written to services"})
	PacketsRecvTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelnet_packets_received_total", Help: "Envelopes parsed from services"})
	ParseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelnet_parse_failures_total", Help: "Inbound lines that failed to parse"})
	ResolutionsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_resolutions_total", Help: "Service address resolutions by result"}, []string{"result"})
	PendingEnvelopes   = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelnet_pending_envelopes", Help: "Envelopes waiting for address resolution"})
	ServiceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_service_events_total", Help: "Service connection transitions"}, []string{"state"})
)

// Relay side.
var (
	RelayRequestsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_relay_requests_total", Help: "Relay requests by listener"}, []string{"listener"})
	RelayRejectedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_relay_rejected_total", Help: "Relay requests rejected by reason"}, []string{"reason"})
	ActiveTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelnet_relay_active_tunnels", Help: "Proxied tunnels currently open"})
	DirectoryEntries      = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelnet_relay_directory_entries", Help: "Services known to the local directory"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelnet_errors_total", Help: "Errors by type"}, []string{"type"})
	TunnelDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tunnelnet_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
