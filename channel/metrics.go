package channel

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ggoodman/airlock-go/internal/eventstream"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered on the Registerer given to WithMetrics. Clients
// sharing a Registerer share its collectors, so the values aggregate across
// them. Without one they are still updated but never exported.
type metrics struct {
	batches     *prometheus.CounterVec
	messages    prometheus.Counter
	events      prometheus.Counter
	reconnects  prometheus.Counter
	streamOpen  prometheus.Gauge
	pendingCmds prometheus.Gauge

	// open tracks this client's share of streamOpen.
	open atomic.Bool
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airlock",
			Subsystem: "channel",
			Name:      "write_batches_total",
			Help:      "Batch writes to the channel by result",
		}, []string{"result"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airlock",
			Subsystem: "channel",
			Name:      "written_messages_total",
			Help:      "Messages delivered in successful batch writes",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airlock",
			Subsystem: "channel",
			Name:      "acked_events_total",
			Help:      "Stream events acknowledged",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airlock",
			Subsystem: "channel",
			Name:      "stream_reconnects_total",
			Help:      "Times the event stream entered reconnecting",
		}),
		streamOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airlock",
			Subsystem: "channel",
			Name:      "stream_open",
			Help:      "Connected event streams",
		}),
		pendingCmds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airlock",
			Subsystem: "channel",
			Name:      "pending_pokes",
			Help:      "Pokes awaiting an outcome",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.batches, err = register(reg, m.batches); err != nil {
		return nil, err
	}
	if m.messages, err = register(reg, m.messages); err != nil {
		return nil, err
	}
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(reg, m.reconnects); err != nil {
		return nil, err
	}
	if m.streamOpen, err = register(reg, m.streamOpen); err != nil {
		return nil, err
	}
	if m.pendingCmds, err = register(reg, m.pendingCmds); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, adopting the collector already registered under
// the same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register metrics: %w", err)
}

func (m *metrics) observeFlush(n int, err error) {
	if err != nil {
		m.batches.WithLabelValues("fail").Inc()
		return
	}
	m.batches.WithLabelValues("ok").Inc()
	m.messages.Add(float64(n))
}

func (m *metrics) observeState(s eventstream.State) {
	switch s {
	case eventstream.StateOpen:
		if m.open.CompareAndSwap(false, true) {
			m.streamOpen.Inc()
		}
		return
	case eventstream.StateReconnecting:
		m.reconnects.Inc()
	}
	if m.open.CompareAndSwap(true, false) {
		m.streamOpen.Dec()
	}
}
