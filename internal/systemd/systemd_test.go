package systemd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	sent   bool
	err    error
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return r.sent, r.err
}

func (r *recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func newTestNotifier(r *recorder, interval time.Duration) *Notifier {
	return &Notifier{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		notify: r.notify,
		watchdog: func(bool) (time.Duration, error) {
			return interval, nil
		},
	}
}

func TestNotifier_Ready(t *testing.T) {
	r := &recorder{sent: true}
	n := newTestNotifier(r, 0)

	if !n.Ready("listening on /run/procmgr/procmgr.sock") {
		t.Error("Ready returned false")
	}
	want := []string{"STATUS=listening on /run/procmgr/procmgr.sock", daemon.SdNotifyReady}
	if got := r.States(); !slices.Equal(got, want) {
		t.Errorf("states = %q, want %q", got, want)
	}
}

func TestNotifier_NotUnderSystemd(t *testing.T) {
	n := newTestNotifier(&recorder{sent: false}, 0)
	if n.Stopping() {
		t.Error("Stopping should report false when nothing was sent")
	}
}

func TestNotifier_Error(t *testing.T) {
	n := newTestNotifier(&recorder{err: errors.New("connection refused")}, 0)
	if n.Ready("") {
		t.Error("Ready should report false on error")
	}
}

func TestNotifier_WatchdogDisabled(t *testing.T) {
	r := &recorder{sent: true}
	n := newTestNotifier(r, 0)

	n.StartWatchdog(context.Background(), func() bool { return true })
	time.Sleep(20 * time.Millisecond)
	if got := r.States(); len(got) != 0 {
		t.Errorf("expected no pings, got %q", got)
	}
}

func TestNotifier_WatchdogPingsOnlyWhenHealthy(t *testing.T) {
	r := &recorder{sent: true}
	n := newTestNotifier(r, 20*time.Millisecond)

	var healthy atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.StartWatchdog(ctx, healthy.Load)

	time.Sleep(60 * time.Millisecond)
	if got := r.States(); len(got) != 0 {
		t.Fatalf("pinged while unhealthy: %q", got)
	}

	healthy.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for len(r.States()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := r.States()
	if len(got) == 0 {
		t.Fatal("no watchdog ping after becoming healthy")
	}
	if got[0] != daemon.SdNotifyWatchdog {
		t.Errorf("unexpected state %q", got[0])
	}
}
