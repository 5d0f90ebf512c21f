package worker

import (
	"context"
	"log"
	"time"
)

// reaperLoop sweeps the processing list once per interval. One sweep at
// a time; a slow sweep simply delays the next tick. Store errors are
// logged and the loop continues — a job is never left processing forever
// as long as this keeps ticking.

func (w *Worker) reaperLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.ReaperInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			// short timeout for housekeeping
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			n, err := w.queue.ScanStuck(hctx)
			cancel()

			if err != nil {
				log.Printf("reaper: scan error=%v", err)
				continue
			}

			if n > 0 {
				w.metrics.IncReaped(n)
				log.Printf("reaper: requeued count=%d", n)
			}
		}
	}
}
