// Package systemd reports procmgrd's lifecycle to systemd for Type=notify
// units and keeps the watchdog fed while the listener is healthy.
//
// Every call degrades to a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger   *slog.Logger
	notify   notifyFunc
	watchdog func(unsetEnvironment bool) (time.Duration, error)
}

// NewNotifier creates a notifier backed by the real NOTIFY_SOCKET.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger:   logger.With(slog.String("component", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", slog.String("state", state), slog.String("error", err.Error()))
		return false
	}
	if !sent {
		n.logger.Debug("sd_notify skipped, not running under systemd", slog.String("state", state))
	}
	return sent
}

// Ready reports that the socket is listening and capabilities are dropped.
func (n *Notifier) Ready(status string) bool {
	if status != "" {
		n.send("STATUS=" + status)
	}
	return n.send(daemon.SdNotifyReady)
}

// Stopping reports that the accept loop has ended.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping)
}

// StartWatchdog pings the watchdog at half the configured WatchdogSec for as
// long as healthy returns true. It returns immediately when no watchdog is
// configured. The pinging goroutine exits with ctx.
func (n *Notifier) StartWatchdog(ctx context.Context, healthy func() bool) {
	interval, err := n.watchdog(false)
	if err != nil {
		n.logger.Debug("watchdog not enabled", slog.String("error", err.Error()))
		return
	}
	if interval <= 0 {
		return
	}

	ping := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", ping),
	)
	go n.watchdogLoop(ctx, ping, healthy)
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthy func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				n.logger.Warn("listener unhealthy, skipping watchdog ping")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

// UnderSystemd reports whether NOTIFY_SOCKET is set.
func UnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
