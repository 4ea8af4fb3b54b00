package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Drainer periodically drains the deferred queue for every owner the
// scheduler has seen. It is the background half of the two-speed pipeline.
type Drainer struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDrainer creates a drainer ticking at the given interval.
func NewDrainer(s *Scheduler, interval time.Duration, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{
		scheduler: s,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the drain loop. Call Stop to shut it down.
func (d *Drainer) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Drainer) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.drainAll(ctx)
		}
	}
}

func (d *Drainer) drainAll(ctx context.Context) {
	for _, owner := range d.scheduler.Owners() {
		report, err := d.scheduler.DrainBatch(ctx, owner)
		if err != nil {
			d.logger.Warn("drain pass failed",
				zap.String("owner", owner), zap.Error(err))
			continue
		}
		if report.Processed > 0 {
			d.logger.Info("drained deferred queue",
				zap.String("owner", owner),
				zap.Int("processed", report.Processed),
				zap.Int("written", report.Written),
				zap.Int("discarded", report.Discarded),
				zap.Int("requeued", report.Requeued),
			)
		}
	}
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}
