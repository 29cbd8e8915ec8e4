package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveForwarders    = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridgebase_active_forwarders", Help: "Forwarding workers currently relaying bytes"})
	BytesRelayedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridgebase_bytes_relayed_total", Help: "Bytes relayed through the local tunnel by direction"}, []string{"direction"})
	RejectedConnsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "bridgebase_rejected_connections_total", Help: "Local connections rejected because a forwarding pair was already active"})
	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bridgebase_sessions_opened_total", Help: "Sessions successfully brought up"})
	SessionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bridgebase_sessions_closed_total", Help: "Sessions closed"})
	LeasesActive        = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridged_leases_active", Help: "Credential leases currently outstanding"})
	LeasesReapedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "bridged_leases_reaped_total", Help: "Expired leases released by the reaper"})
	RelayConnsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "bridged_relay_connections_total", Help: "Control connections accepted by the dev gateway"})
)
