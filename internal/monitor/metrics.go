package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
)

type metrics struct {
	reg *prometheus.Registry

	CyclesTotal       prometheus.Counter
	CycleFailures     prometheus.Counter
	PositionsStored   prometheus.Counter
	LinksAccepted     prometheus.Counter
	DelaysRecorded    prometheus.Counter
	ScheduleRefreshes *prometheus.CounterVec // result label: ok|failed
	CycleDuration     prometheus.Histogram
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()

	m := &metrics{
		reg: reg,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycles_total",
			Help: "Total monitoring cycles attempted.",
		}),
		CycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycle_failures_total",
			Help: "Total cycles that failed before completing.",
		}),
		PositionsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_positions_stored_total",
			Help: "Total newly inserted position reports.",
		}),
		LinksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_links_accepted_total",
			Help: "Total cross-batch identity matches accepted.",
		}),
		DelaysRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_delays_recorded_total",
			Help: "Total stop-visit delay records written.",
		}),
		ScheduleRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_schedule_refreshes_total",
			Help: "Schedule archive refresh attempts.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_cycle_duration_seconds",
			Help:    "Duration of one full monitoring cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.CycleFailures,
		m.PositionsStored, m.LinksAccepted, m.DelaysRecorded,
		m.ScheduleRefreshes, m.CycleDuration,
	)

	return m
}

// Serve exposes /metrics on addr until the process exits.
func (m *metrics) Serve(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}
