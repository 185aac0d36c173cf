// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push routes.
const (
	RouteLocal  = "local"
	RouteRemote = "remote"
)

// Recorder receives relay events.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	Pushed(route string)
	Enqueued()
	DeliveryUncertain()
	Drained()
	Rejected(reason string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed() {}
func (Nop) Pushed(string) {}
func (Nop) Enqueued() {}
func (Nop) DeliveryUncertain() {}
func (Nop) Drained() {}
func (Nop) Rejected(reason string) {}

// Prometheus implements Recorder with metrics registered on a caller-supplied registry.
type Prometheus struct {
	connections prometheus.Gauge
	pushes      *prometheus.CounterVec
	enqueued    prometheus.Counter
	uncertain   prometheus.Counter
	drained     prometheus.Counter
	rejected    *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirerelay",
			Name:      "connections",
			Help:      "Live WebSocket connections on this gateway.",
		}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirerelay",
			Name:      "pushes_total",
			Help:      "Live pushes handed to a connection, by route.",
		}, []string{"route"}),
		enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wirerelay",
			Name:      "enqueued_total",
			Help:      "Deliveries written to a recipient queue.",
		}),
		uncertain: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wirerelay",
			Name:      "delivery_uncertain_total",
			Help:      "Deliveries that could be neither pushed nor enqueued.",
		}),
		drained: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wirerelay",
			Name:      "drained_total",
			Help:      "Queued deliveries acknowledged during a drain.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirerelay",
			Name:      "rejected_total",
			Help:      "sendMessage requests rejected, by reason.",
		}, []string{"reason"}),
	}
}

func (p *Prometheus) ConnectionOpened() { p.connections.Inc() }
func (p *Prometheus) ConnectionClosed() { p.connections.Dec() }
func (p *Prometheus) Pushed(route string) { p.pushes.WithLabelValues(route).Inc() }
func (p *Prometheus) Enqueued() { p.enqueued.Inc() }
func (p *Prometheus) DeliveryUncertain() { p.uncertain.Inc() }
func (p *Prometheus) Drained() { p.drained.Inc() }
func (p *Prometheus) Rejected(reason string) { p.rejected.WithLabelValues(reason).Inc() }
