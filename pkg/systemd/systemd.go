// Package systemd speaks the sd_notify protocol so wakeworker can run as a
// Type=notify unit with an optional watchdog.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends service state to systemd. Outside systemd (no NOTIFY_SOCKET)
// every call is a silent no-op.
type Notifier struct {
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func NewNotifier() *Notifier {
	return &Notifier{notify: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

// Ready reports startup completion. It returns false when not supervised by systemd.
func (n *Notifier) Ready() (bool, error) { return n.notify(false, daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) (bool, error) { return n.notify(false, "STATUS="+s) }

// WatchdogInterval is half of WatchdogSec, or 0 when the watchdog is disabled.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings systemd until ctx is done, as long as healthy reports nil.
// A failing health check stops the pings so systemd restarts the unit.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() error) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					return err
				}
			}
			if _, err := n.notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
