// Package monitor owns the sequential polling loop: fetch positions, store
// the batch, link it against the previous batch, infer stop-visit delays,
// sleep, repeat. One cycle always runs to completion before the next starts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/alert"
	"github.com/benjaminjulian/seinn-v2/internal/common/config"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/internal/delay"
	"github.com/benjaminjulian/seinn-v2/internal/feed"
	"github.com/benjaminjulian/seinn-v2/internal/linker"
	"github.com/benjaminjulian/seinn-v2/internal/observation"
	"github.com/benjaminjulian/seinn-v2/internal/schedule"
)

const (
	// sleepTick keeps shutdown latency low regardless of poll interval.
	sleepTick = 1 * time.Second
	// backoffAfter consecutive failures the inter-cycle sleep doubles.
	backoffAfter = 3
	// alertAfter consecutive failures one webhook alert is sent.
	alertAfter = 5
)

type Worker struct {
	cfg      config.MonitorConfig
	feed     *feed.Client
	store    *observation.Store
	linker   *linker.Linker
	delays   *delay.Engine
	schedule *schedule.Manager
	notifier *alert.Notifier
	logger   logger.Logger
	metrics  *metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewWorker(
	cfg config.MonitorConfig,
	feedClient *feed.Client,
	store *observation.Store,
	lk *linker.Linker,
	delays *delay.Engine,
	scheduleMgr *schedule.Manager,
	notifier *alert.Notifier,
	log logger.Logger,
) *Worker {
	return &Worker{
		cfg:      cfg,
		feed:     feedClient,
		store:    store,
		linker:   lk,
		delays:   delays,
		schedule: scheduleMgr,
		notifier: notifier,
		logger:   log,
		metrics:  newMetrics(),
	}
}

// Start runs the polling loop until the context is cancelled or Stop is
// called. Starting an already-running worker is an error; the loop itself
// never escalates a failed cycle into termination.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if w.cfg.MetricsAddr != "" {
		w.metrics.Serve(w.cfg.MetricsAddr, w.logger)
	}

	w.logger.Info("Monitor worker started", "poll_interval", w.cfg.PollInterval)

	consecutiveFailures := 0
	iteration := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Monitor worker stopped")
			return nil
		default:
		}

		iteration++
		if err := w.RunCycle(ctx); err != nil {
			consecutiveFailures++
			w.logger.Error("Monitoring cycle failed",
				"iteration", iteration,
				"consecutive_failures", consecutiveFailures,
				"error", err)
			if consecutiveFailures == alertAfter {
				if alertErr := w.notifier.Send(
					"Monitor cycles failing",
					"The monitoring loop has failed repeatedly and keeps retrying.",
					map[string]interface{}{
						"consecutive_failures": consecutiveFailures,
						"last_error":           err.Error(),
					},
				); alertErr != nil {
					w.logger.Warn("Failed to send alert", "error", alertErr)
				}
			}
		} else {
			consecutiveFailures = 0
		}

		sleep := w.cfg.PollInterval
		if consecutiveFailures >= backoffAfter {
			sleep = 2 * w.cfg.PollInterval
		}
		if !w.sleepInterruptibly(ctx, sleep) {
			w.logger.Info("Monitor worker stopped")
			return nil
		}
	}
}

// Stop is idempotent and safe to call from any goroutine. In-flight database
// statements finish; only the sleep and the next cycle are interrupted.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunCycle executes one fetch-store-link-infer pass. The schedule refresh
// due-check runs first; a failed refresh is logged and the cycle continues
// with the previously active schedule version.
func (w *Worker) RunCycle(ctx context.Context) error {
	start := time.Now()
	w.metrics.CyclesTotal.Inc()
	defer func() {
		w.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := w.schedule.DueForRefresh(ctx)
	if err != nil {
		w.logger.Warn("Schedule due-check failed", "error", err)
	} else if due {
		if err := w.schedule.Refresh(ctx); err != nil {
			w.metrics.ScheduleRefreshes.WithLabelValues("failed").Inc()
			w.logger.Error("Schedule refresh failed, keeping previous version", "error", err)
		} else {
			w.metrics.ScheduleRefreshes.WithLabelValues("ok").Inc()
		}
	}

	snapshot, err := w.feed.Fetch(ctx)
	if err != nil {
		w.metrics.CycleFailures.Inc()
		return fmt.Errorf("fetching feed: %w", err)
	}

	inserted, err := w.store.InsertBatch(ctx, snapshot.Reports, time.Now().UTC())
	if err != nil {
		w.metrics.CycleFailures.Inc()
		return fmt.Errorf("storing batch: %w", err)
	}
	w.metrics.PositionsStored.Add(float64(inserted))

	if inserted == 0 {
		w.logger.Debug("No new positions in batch, skipping linking")
		return nil
	}

	links, err := w.linker.Run(ctx)
	if err != nil {
		w.metrics.CycleFailures.Inc()
		return fmt.Errorf("linking batches: %w", err)
	}
	w.metrics.LinksAccepted.Add(float64(links))

	if links == 0 {
		return nil
	}

	recorded, err := w.delays.Run(ctx)
	if err != nil {
		w.metrics.CycleFailures.Inc()
		return fmt.Errorf("inferring delays: %w", err)
	}
	w.metrics.DelaysRecorded.Add(float64(recorded))

	return nil
}

// sleepInterruptibly sleeps for d in small ticks, returning false when the
// context is cancelled before the sleep completes.
func (w *Worker) sleepInterruptibly(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(sleepTick)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
