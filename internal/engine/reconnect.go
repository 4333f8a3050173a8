package engine

import "time"

// reconnectLocked hands the pipeline to the retry supervisor. The caller
// holds e.mu. At most one supervisor goroutine runs per engine.
func (e *Engine) reconnectLocked() {
	if e.reconnecting || e.stopping {
		return
	}
	e.reconnecting = true
	e.state.Store(int32(StateReconnecting))
	e.wg.Add(1)
	go e.reconnectLoop(e.stopCh)
}

// reconnectLoop retries full initialization at a fixed interval until one
// attempt succeeds or the engine stops. Host monitoring is suspended for
// the whole outage so a flapping device cannot feed its own output back
// into the capture path; the previous setting is restored on exit whether
// or not the device came back.
func (e *Engine) reconnectLoop(stopCh <-chan struct{}) {
	defer e.wg.Done()

	wasMonitoring := false
	if e.monitor != nil {
		wasMonitoring = e.monitor.Monitoring()
		if wasMonitoring {
			e.monitor.SetMonitoring(false)
		}
	}
	defer func() {
		if e.monitor != nil && wasMonitoring {
			e.monitor.SetMonitoring(true)
		}
	}()

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			e.mu.Lock()
			e.reconnecting = false
			e.mu.Unlock()
			return
		case <-ticker.C:
		}

		if e.met != nil {
			e.met.ReconnectAttempts.Add(noCtx, 1)
		}

		e.mu.Lock()
		ok := !e.stopping && e.tryInitializeLocked()
		if ok {
			// Clear the flag in the same critical section that
			// created the new pipeline, so an immediate capture
			// failure can re-enter the supervisor.
			e.reconnecting = false
		}
		e.mu.Unlock()
		if ok {
			return
		}
	}
}
