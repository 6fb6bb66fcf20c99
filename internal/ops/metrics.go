package ops

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatebot/internal/broadcast"
	"gatebot/internal/eventbus"
)

// Metrics turns bus events into Prometheus series. It has its own registry so
// several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	campaigns  *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	cooldowns  prometheus.Counter
	running    prometheus.Gauge
	gateEvents *prometheus.CounterVec
	notifier   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		campaigns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gatebot_campaigns_total", Help: "Campaigns by final state"},
			[]string{"state"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gatebot_deliveries_total", Help: "Delivery attempts by outcome"},
			[]string{"outcome"},
		),
		cooldowns: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gatebot_flood_cooldowns_total", Help: "Flood-control sleeps during campaigns"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gatebot_campaign_running", Help: "1 while a campaign is running"},
		),
		gateEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gatebot_gate_events_total", Help: "Join gate transitions"},
			[]string{"event"},
		),
		notifier: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gatebot_operator_notifications_total", Help: "Operator channel messages by result"},
			[]string{"result"},
		),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.campaigns, m.outcomes, m.cooldowns, m.running, m.gateEvents, m.notifier,
	)
	return m
}

// GaugeFunc exposes a value sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// Observe updates the series for one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CampaignStarted:
		m.running.Set(1)
	case eventbus.CampaignFinished:
		m.running.Set(0)
		state := "finished"
		if r, ok := e.Data.(broadcast.Report); ok && r.Aborted {
			state = "aborted"
		}
		m.campaigns.WithLabelValues(state).Inc()
	case eventbus.CampaignOutcome:
		if s, ok := e.Data.(string); ok && s != "" {
			m.outcomes.WithLabelValues(s).Inc()
		}
	case eventbus.CampaignCooldown:
		m.cooldowns.Inc()
	case eventbus.GateChallenged, eventbus.GateConfirmed, eventbus.GateAlreadyMember,
		eventbus.GateApproved, eventbus.GateApproveFailed:
		m.gateEvents.WithLabelValues(strings.TrimPrefix(e.Type, "gate.")).Inc()
	case eventbus.NotifierSent:
		m.notifier.WithLabelValues("sent").Inc()
	case eventbus.NotifierFailed:
		m.notifier.WithLabelValues("failed").Inc()
	case eventbus.NotifierDropped:
		m.notifier.WithLabelValues("dropped").Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := bus.Subscribe(256, "campaign.", "gate.", "notifier.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
