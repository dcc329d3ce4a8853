// Package systemd reports daemon state to the service manager over
// NOTIFY_SOCKET. Every call is a no-op when not started by systemd.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskd/pkg/logx"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready marks startup complete, with a free-form status line.
func (n *Notifier) Ready(status string) bool {
	return n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx ends. It returns immediately when the watchdog is off.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Debug("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
