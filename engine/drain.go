package engine

import (
	"time"
)

// drain stops polling work: every non-empty window is submitted as soon as
// its key is free, outstanding windows are awaited until the drain timeout,
// the rest are abandoned, progress is committed one last time and the source
// and remaining resources are closed.
func (e *Engine) drain() {
	e.setState(StateDraining)
	start := time.Now()
	timeout := e.cfg.Shutdown.DrainTimeout
	e.logger.Info("draining",
		"outstanding_windows", e.coordinator.Outstanding(),
		"pending_frames", e.windows.TotalPending(),
		"drain_timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()

	expired := false
	for !expired {
		for _, key := range e.windows.Keys() {
			if !e.dispatcher.InFlight(key) {
				e.submit(key)
			}
		}
		if e.coordinator.Outstanding() == 0 && e.windows.TotalPending() == 0 {
			break
		}

		select {
		case c := <-e.dispatcher.Completions():
			e.onCompletion(c)
		case <-ticker.C:
		case <-deadline.C:
			expired = true
		}
	}
	e.collectCompletions()

	for _, id := range e.coordinator.OutstandingWindows() {
		e.coordinator.Abandon(id)
	}
	if pending := e.windows.TotalPending(); pending > 0 {
		e.logger.Error("records left unprocessed at shutdown", "pending_frames", pending)
	}

	e.commit()

	if err := e.dispatcher.Stop(dispatcherStopGrace); err != nil {
		e.logger.Warn("workers still running at shutdown", "error", err)
	}
	if e.stopBackground != nil {
		e.stopBackground()
	}
	e.backgroundWG.Wait()

	e.release()

	e.metrics.recordDrain(time.Since(start).Seconds())
	e.logStats(true)
	e.setState(StateStopped)
	e.logger.Info("engine stopped", "drain_seconds", time.Since(start).Seconds())
}

// release closes the source, then the registered resources in reverse order.
// It runs at most once.
func (e *Engine) release() {
	e.releaseOnce.Do(func() {
		if err := e.source.Close(); err != nil {
			e.logger.Warn("closing source failed", "error", err)
		}
		for i := len(e.closers) - 1; i >= 0; i-- {
			c := e.closers[i]
			if err := c.Close(); err != nil {
				e.logger.Warn("closing resource failed", "resource", c.Name, "error", err)
			}
		}
	})
}
