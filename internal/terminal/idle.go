package terminal

import (
	"time"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// idleScanInterval is how often the registry checks terminals for idleness.
const idleScanInterval = 30 * time.Second

// Start launches the idle monitor. Safe to call once; subsequent calls are
// no-ops.
func (r *Registry) Start() {
	r.idleOnce.Do(func() {
		go r.idleLoop()
	})
}

func (r *Registry) stopIdleMonitor() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Registry) idleLoop() {
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()

	logger.Debug("🕐 Idle monitor started")
	for {
		select {
		case <-ticker.C:
			r.scanIdle(time.Now())
		case <-r.stopCh:
			logger.Debug("🕐 Idle monitor stopped")
			return
		}
	}
}

// scanIdle checks every running terminal against the idle thresholds. The
// warning fires once per idle period: the latch resets only when activity
// resumes, so a terminal never accumulates repeat warnings while it sits.
func (r *Registry) scanIdle(now time.Time) {
	settings := r.settings.GetSettings()
	warnAfter := time.Duration(settings.IdleWarnMinutes) * time.Minute
	killAfter := time.Duration(settings.IdleAutoKillMinutes) * time.Minute

	r.mu.RLock()
	procs := make([]*terminalProc, 0, len(r.terminals))
	for _, proc := range r.terminals {
		procs = append(procs, proc)
	}
	r.mu.RUnlock()

	for _, proc := range procs {
		proc.mu.Lock()
		if proc.rec.Status != models.TerminalRunning {
			proc.mu.Unlock()
			continue
		}
		idle := now.Sub(proc.rec.LastActivityAt)
		shouldKill := killAfter > 0 && idle >= killAfter
		shouldWarn := !shouldKill && warnAfter > 0 && idle >= warnAfter && !proc.idleWarned
		if shouldWarn {
			proc.idleWarned = true
		}
		rec := proc.rec
		proc.mu.Unlock()

		if shouldKill {
			logger.Infof("💀 Killing idle terminal %s (idle %s)", rec.ID, idle.Round(time.Second))
			r.killProc(proc)
		} else if shouldWarn {
			logger.Infof("⏰ Terminal %s idle for %s, warning", rec.ID, idle.Round(time.Second))
			r.emit(models.TerminalIdleWarningEvent, rec)
		}
	}
}
