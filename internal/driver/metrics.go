// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics agrega os instrumentos Prometheus do driver, compartilhados por
// todas as conexões de um pool.
type Metrics struct {
	ConnectionsOpen  prometheus.Gauge
	RequestsInFlight prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	ConnectionResets prometheus.Counter
	LeaderChanges    prometheus.Counter
}

// NewMetrics registra os instrumentos no registerer dado.
// Com reg nil, usa um registry privado (útil em testes).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvst",
			Name:      "connections_open",
			Help:      "Open VST connections.",
		}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvst",
			Name:      "requests_in_flight",
			Help:      "Requests awaiting a response.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvst",
			Name:      "requests_total",
			Help:      "Completed requests by response code class.",
		}, []string{"code_class"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nvst",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to VST sockets.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nvst",
			Name:      "bytes_received_total",
			Help:      "Bytes read from VST sockets.",
		}),
		ConnectionResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nvst",
			Name:      "connection_resets_total",
			Help:      "Connection resets triggered by transport, timeout or protocol errors.",
		}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nvst",
			Name:      "leader_changes_total",
			Help:      "Leader re-discoveries in active-failover topology.",
		}),
	}
}

// codeClass converte um response code na sua classe ("2xx", "5xx", ...).
func codeClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
