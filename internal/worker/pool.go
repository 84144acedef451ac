package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dequeueRetryDelay = time.Second

// StartPool runs workers independent pull loops against d's queue plus one
// loop that returns expired claims to the queue every recoverEvery. All
// goroutines stop when ctx is cancelled; a job already claimed is finished
// first.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	d *Dispatcher,
	logger *zap.Logger,
	recoverEvery time.Duration,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))
			runWorker(ctx, id, d, logger)
			logger.Info("worker shutting down", zap.Int("worker_id", id))
		}(i)
	}

	if recoverEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recoverLoop(ctx, d.Queue, logger, recoverEvery)
		}()
	}
}

func runWorker(ctx context.Context, id int, d *Dispatcher, logger *zap.Logger) {
	for {
		claim, err := d.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Int("worker_id", id), zap.Error(err))
			if !sleep(ctx, dequeueRetryDelay) {
				return
			}
			continue
		}

		outcome, err := d.Process(context.WithoutCancel(ctx), claim)
		if err != nil {
			logger.Error("job bookkeeping failed",
				zap.Int("worker_id", id),
				zap.String("job_id", claim.Job.ID.String()),
				zap.String("outcome", outcome.String()),
				zap.Error(err),
			)
		}

		// ----------------------------
		// Pacing
		// ----------------------------
		if outcome == OutcomeSent && !sleep(ctx, d.MinDelay) {
			return
		}
	}
}

func recoverLoop(ctx context.Context, q Queue, logger *zap.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RecoverExpired(ctx)
			if err != nil {
				logger.Error("failed to recover expired claims", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Warn("recovered expired claims", zap.Int("count", n))
			}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
