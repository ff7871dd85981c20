// Package shutdown releases procmgrd's resources in reverse order of
// acquisition once the accept loop has stopped.
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("audit", shutdown.Func(journal.Close))
//	coord.Register("listener", d)
//	coord.Shutdown(ctx) // listener first, then audit
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by anything with resources to release.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a plain close function to Shutdowner.
type Func func() error

// Shutdown calls f.
func (f Func) Shutdown(context.Context) error {
	return f()
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator runs registered shutdowns LIFO.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds s. Later registrations are shut down first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops every component even when earlier ones fail, and returns
// all failures joined. Once ctx is done the remaining components are
// skipped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown", slog.Int("components", len(c.components)))

	var errs []error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]

		if err := ctx.Err(); err != nil {
			c.logger.Error("shutdown deadline exceeded", slog.String("remaining_component", comp.name))
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded at %s: %w", comp.name, err))
			break
		}

		start := time.Now()
		if err := comp.shutdowner.Shutdown(ctx); err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", comp.name, err))
			continue
		}
		c.logger.Info("component shutdown complete",
			slog.String("handler", comp.name),
			slog.Duration("duration", time.Since(start)),
		)
	}

	return errors.Join(errs...)
}

// Len returns the number of registered components.
func (c *Coordinator) Len() int {
	return len(c.components)
}
