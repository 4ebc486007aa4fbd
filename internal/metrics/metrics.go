// Package metrics turns bus events into Prometheus collectors.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"groupcast/internal/eventbus"
	"groupcast/internal/orchestrator"
	logx "groupcast/pkg/logx"
)

const namespace = "groupcast"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	runsActive    *prometheus.GaugeVec
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	tasksTotal    *prometheus.CounterVec
	batchesTotal  prometheus.Counter
	batchRetries  prometheus.Counter
	riskHalts     *prometheus.CounterVec
	matcherPasses *prometheus.CounterVec
	ledgerRecords *prometheus.CounterVec
	sessionsOpen  *prometheus.GaugeVec
	sessionsEnded *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	persistFails  *prometheus.CounterVec
	configReloads prometheus.Counter
}

// New registers the collectors on a fresh registry, plus the Go and process
// collectors. bus may be nil.
func New(bus eventbus.Bus, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_active",
			Help: "Runs currently in progress per identity.",
		}, []string{"identity"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Finished runs by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total",
			Help: "Finished tasks by status.",
		}, []string{"status"}),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_total",
			Help: "Batch attempts finished.",
		}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_retries_total",
			Help: "Batches that were retried after failures.",
		}),
		riskHalts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_halts_total",
			Help: "Runs halted by a risk signal, by category.",
		}, []string{"category"}),
		matcherPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "matcher_passes_total",
			Help: "Picker matching passes by pass name.",
		}, []string{"pass"}),
		ledgerRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_records_total",
			Help: "Ledger outcomes recorded.",
		}, []string{"outcome"}),
		sessionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_open",
			Help: "Open browser sessions per identity.",
		}, []string{"identity"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Browser sessions closed, by reason.",
		}, []string{"reason"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Scheduled jobs finished by status.",
		}, []string{"status"}),
		persistFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_failures_total",
			Help: "Failed document writes by component.",
		}, []string{"component"}),
		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "config_reloads_total",
			Help: "Applied configuration reloads.",
		}),
	}
	m.reg.MustRegister(
		m.runsActive, m.runsTotal, m.runDuration, m.tasksTotal,
		m.batchesTotal, m.batchRetries, m.riskHalts, m.matcherPasses,
		m.ledgerRecords, m.sessionsOpen, m.sessionsEnded, m.jobsTotal,
		m.persistFails, m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if bus != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Bus events dropped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(e eventbus.Event) {
	data, _ := e.Data.(map[string]any)
	switch e.Type {
	case eventbus.RunStarted:
		m.runsActive.WithLabelValues(e.Identity).Inc()
	case eventbus.RunFinished:
		m.runsActive.WithLabelValues(e.Identity).Dec()
		res, ok := e.Data.(orchestrator.RunResult)
		if !ok {
			return
		}
		m.runsTotal.WithLabelValues(string(res.State)).Inc()
		if !res.StartedAt.IsZero() && res.FinishedAt.After(res.StartedAt) {
			m.runDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
		}
	case eventbus.TaskFinished:
		m.tasksTotal.WithLabelValues(str(data, "status")).Inc()
	case eventbus.BatchFinished:
		m.batchesTotal.Inc()
	case eventbus.BatchRetry:
		m.batchRetries.Inc()
	case eventbus.RiskDetected:
		m.riskHalts.WithLabelValues(str(data, "category")).Inc()
	case eventbus.MatcherFinished:
		m.matcherPasses.WithLabelValues(str(data, "pass")).Inc()
	case eventbus.LedgerRecorded:
		m.ledgerRecords.WithLabelValues(str(data, "outcome")).Inc()
	case eventbus.SessionOpened:
		m.sessionsOpen.WithLabelValues(e.Identity).Inc()
	case eventbus.SessionClosed, eventbus.SessionEvicted:
		m.sessionsOpen.WithLabelValues(e.Identity).Dec()
		m.sessionsEnded.WithLabelValues(strings.TrimPrefix(e.Type, "session.")).Inc()
	case eventbus.JobFinished:
		m.jobsTotal.WithLabelValues(str(data, "status")).Inc()
	case eventbus.LedgerPersistFailed, eventbus.JobPersistFailed:
		m.persistFails.WithLabelValues(component(e.Type)).Inc()
	case eventbus.ConfigReloaded:
		m.configReloads.Inc()
	}
}

func str(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func component(typ string) string {
	if i := strings.IndexByte(typ, '.'); i > 0 {
		return typ[:i]
	}
	return typ
}
