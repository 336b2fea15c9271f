package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		shutdownFn: make([]func() error, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown executes all registered shutdown functions in reverse order (LIFO)
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown",
		Int("components", len(g.shutdownFn)),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for i := len(g.shutdownFn) - 1; i >= 0; i-- {
			if err := g.shutdownFn[i](); err != nil {
				g.logger.Error("Shutdown function failed",
					Int("index", i),
					Err(err),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		g.logger.Info("Graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return NewError("shutdown", "Shutdown", "timeout")
	}
}
