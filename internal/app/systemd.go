package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaydeck/internal/runtime/supervisor"
	logx "relaydeck/pkg/logx"
)

// notifier reports lifecycle state to the service manager.
type notifier interface {
	Ready()
	Stopping()
	Watchdog()
	// WatchdogInterval is zero when the watchdog is off.
	WatchdogInterval() time.Duration
}

// sdNotifier talks to systemd over NOTIFY_SOCKET. Every call is a no-op when
// the process is not run by systemd.
type sdNotifier struct{}

func (sdNotifier) Ready()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func (sdNotifier) Stopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }
func (sdNotifier) Watchdog() { _, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

func (sdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// startSystemd signals readiness and pets the watchdog at half its interval.
func (a *App) startSystemd(sup *supervisor.Supervisor) {
	a.notify.Ready()
	every := a.notify.WatchdogInterval() / 2
	if every <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.notify.Watchdog()
			}
		}
	})
}
