package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoordinator_ReverseOrder(t *testing.T) {
	var order []string
	c := NewCoordinator(nopLogger())
	for _, name := range []string{"audit", "tracefs", "listener"} {
		c.Register(name, Func(func() error {
			order = append(order, name)
			return nil
		}))
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if want := []string{"listener", "tracefs", "audit"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestCoordinator_ContinuesAfterFailure(t *testing.T) {
	errListener := errors.New("listener close failed")
	errAudit := errors.New("audit close failed")
	var ran []string

	c := NewCoordinator(nopLogger())
	c.Register("audit", Func(func() error { ran = append(ran, "audit"); return errAudit }))
	c.Register("listener", Func(func() error { ran = append(ran, "listener"); return errListener }))

	err := c.Shutdown(context.Background())
	if !errors.Is(err, errListener) || !errors.Is(err, errAudit) {
		t.Errorf("expected both errors joined, got %v", err)
	}
	if len(ran) != 2 {
		t.Errorf("expected both components to run, got %v", ran)
	}
}

func TestCoordinator_StopsAtDeadline(t *testing.T) {
	called := false
	c := NewCoordinator(nopLogger())
	c.Register("audit", Func(func() error { called = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("component ran after deadline")
	}
}
