package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "chatrelay/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// notifySystemd is a no-op outside a systemd unit with NOTIFY_SOCKET set.
func (a *App) notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// startSystemd reports readiness and, when WatchdogSec is configured,
// pings the watchdog at half its interval together with a status line.
func (a *App) startSystemd() {
	a.notifySystemd(sdReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				a.notifySystemd(sdWatchdog)
				a.notifySystemd(a.statusLine())
			}
		}
	})
}

func (a *App) statusLine() string {
	st := a.chat.Stats()
	return fmt.Sprintf("STATUS=%d channels, %d pending joins, %d sent, %d failed",
		len(a.channels.Desired()), a.channels.Pending(), st.Sent, st.Failed)
}
