package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "standup"

// Metrics holds the Prometheus collectors of the cycle engine.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	CyclesStarted    prometheus.Counter
	CyclesResolved   *prometheus.CounterVec // kind
	PromptDeliveries *prometheus.CounterVec // result
	Responses        *prometheus.CounterVec // outcome
	JudgeCalls       *prometheus.CounterVec // result
	Summaries        *prometheus.CounterVec // source
	SummaryDuration  prometheus.Histogram
	ScheduledGroups  prometheus.Gauge
	ScheduleRebuilds prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_started_total",
			Help: "Daily cycles started by the group scheduler.",
		}),
		CyclesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_resolved_total",
			Help: "Daily cycles resolved, by resolution kind.",
		}, []string{"kind"}),
		PromptDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "prompt_deliveries_total",
			Help: "Daily prompt deliveries to members.",
		}, []string{"result"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "responses_total",
			Help: "Member submissions, by outcome.",
		}, []string{"outcome"}),
		JudgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "judge_calls_total",
			Help: "Quality judge invocations, by result.",
		}, []string{"result"}),
		Summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "summaries_total",
			Help: "Summaries delivered to administrators, by body source.",
		}, []string{"source"}),
		SummaryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "summary_dispatch_seconds",
			Help:    "Time spent composing and delivering a summary.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		ScheduledGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduled_groups",
			Help: "Groups with an active daily trigger.",
		}),
		ScheduleRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedule_rebuilds_total",
			Help: "Full rebuilds of the group schedule registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CyclesStarted, m.CyclesResolved, m.PromptDeliveries, m.Responses,
			m.JudgeCalls, m.Summaries, m.SummaryDuration, m.ScheduledGroups, m.ScheduleRebuilds,
		)
	}
	return m
}

func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.CyclesStarted.Inc()
}

func (m *Metrics) CycleResolved(kind string) {
	if m == nil {
		return
	}
	m.CyclesResolved.WithLabelValues(kind).Inc()
}

func (m *Metrics) PromptDelivered(ok bool) {
	if m == nil {
		return
	}
	m.PromptDeliveries.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ResponseHandled(outcome string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JudgeCalled(res string) {
	if m == nil {
		return
	}
	m.JudgeCalls.WithLabelValues(res).Inc()
}

func (m *Metrics) SummaryDelivered(source string, took time.Duration) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(source).Inc()
	m.SummaryDuration.Observe(took.Seconds())
}

func (m *Metrics) ScheduleRebuilt(groups int) {
	if m == nil {
		return
	}
	m.ScheduleRebuilds.Inc()
	m.ScheduledGroups.Set(float64(groups))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Serve exposes the registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.WithField("addr", addr).Info("Metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("Metrics server stopped")
	}
}
