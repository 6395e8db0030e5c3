// Package server coordinates the shutdown of the sync server: signal
// handling, draining of in-flight sync requests and release of sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownConfig holds the shutdown timeouts.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds.
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests, typically
	// package downloads and uploads. Default: 15 seconds.
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{ShutdownTimeout: 30 * time.Second, DrainTimeout: 15 * time.Second}
}

// ShutdownManager stops the server once: it refuses new requests, waits
// for running ones and closes the registered resources in reverse order.
type ShutdownManager struct {
	config ShutdownConfig

	done     chan struct{}
	once     sync.Once
	stopping atomic.Bool
	inFlight atomic.Int64

	mu      sync.Mutex
	closers []io.Closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	def := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &ShutdownManager{config: config, done: make(chan struct{})}
}

// RegisterCloser adds a resource closed on shutdown. Resources registered
// last are closed first.
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, c)
}

// ListenForSignals blocks until SIGINT or SIGTERM, the end of ctx or a
// shutdown started elsewhere, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown runs the shutdown sequence. Only the first call does anything.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var errs []error
	sm.once.Do(func() {
		log.Printf("server: shutting down (%s)", reason)
		sm.stopping.Store(true)
		close(sm.done)

		ctx, cancel := context.WithTimeout(ctx, sm.config.ShutdownTimeout)
		defer cancel()
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.config.DrainTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("server: %d requests still running", sm.inFlight.Load())
		case <-ticker.C:
		}
	}
	return nil
}

// IsShuttingDown reports whether shutdown has started.
func (sm *ShutdownManager) IsShuttingDown() bool { return sm.stopping.Load() }

// InFlightCount returns the number of requests being served.
func (sm *ShutdownManager) InFlightCount() int64 { return sm.inFlight.Load() }

// DrainTimeout returns the time granted to in-flight requests.
func (sm *ShutdownManager) DrainTimeout() time.Duration { return sm.config.DrainTimeout }

// Done is closed when shutdown starts.
func (sm *ShutdownManager) Done() <-chan struct{} { return sm.done }

// Middleware counts in-flight requests and answers 503 once shutdown has
// started, so replicas retry against the restarted server.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.stopping.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		sm.inFlight.Add(1)
		defer sm.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// HTTPServerCloser shuts an HTTP server down gracefully when closed.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}
