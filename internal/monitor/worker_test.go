package monitor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/benjaminjulian/seinn-v2/internal/common/alert"
	"github.com/benjaminjulian/seinn-v2/internal/common/config"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
)

func newTestWorker() *Worker {
	cfg := config.MonitorConfig{PollInterval: 15 * time.Second}
	return NewWorker(cfg, nil, nil, nil, nil, nil,
		alert.NewNotifier(""), logger.New(zerolog.Disabled, io.Discard))
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	w := newTestWorker()

	w.Stop()
	w.Stop()

	if w.IsRunning() {
		t.Error("worker reports running without Start")
	}
}

func TestStartReturnsOnCancelledContext(t *testing.T) {
	w := newTestWorker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The loop checks for cancellation before running a cycle, so no
	// collaborators are touched.
	if err := w.Start(ctx); err != nil {
		t.Errorf("Start() error: %v", err)
	}
	if w.IsRunning() {
		t.Error("worker reports running after Start returned")
	}
}

func TestStartRejectsSecondStart(t *testing.T) {
	w := newTestWorker()
	w.running = true

	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start() did not fail")
	}
}

func TestSleepInterruptibly(t *testing.T) {
	w := newTestWorker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if w.sleepInterruptibly(ctx, time.Minute) {
		t.Error("sleep completed despite cancelled context")
	}

	if !w.sleepInterruptibly(context.Background(), 0) {
		t.Error("zero-duration sleep reported interruption")
	}
}
