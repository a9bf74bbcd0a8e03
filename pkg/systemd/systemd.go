// Package systemd reports service state to systemd through sd_notify. Every
// call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() (bool, error)     { return daemon.SdNotify(false, daemon.SdNotifyReady) }
func Stopping() (bool, error)  { return daemon.SdNotify(false, daemon.SdNotifyStopping) }
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

func Status(format string, args ...any) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. healthy gates each ping; a nil healthy always pings. It
// returns immediately when the watchdog is not enabled for this process.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
