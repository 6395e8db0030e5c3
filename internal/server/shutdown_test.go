package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		sm.RegisterCloser(CloserFunc(func() error { order = append(order, i); return nil }))
	}
	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("expected closers 3,2,1, got %v", order)
	}
	if err := sm.Shutdown(context.Background(), "again"); err != nil {
		t.Errorf("second Shutdown should be a no-op, got %v", err)
	}
	if len(order) != 3 {
		t.Errorf("closers ran twice: %v", order)
	}
}

func TestShutdownReportsCloserErrors(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	boom := errors.New("boom")
	sm.RegisterCloser(CloserFunc(func() error { return boom }))
	if err := sm.Shutdown(context.Background(), "test"); !errors.Is(err, boom) {
		t.Errorf("expected closer error, got %v", err)
	}
}

func TestMiddlewareRejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	h := sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.InFlightCount() != 1 {
			t.Errorf("expected 1 request in flight, got %d", sm.InFlightCount())
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", rec.Code)
	}
	select {
	case <-sm.Done():
	default:
		t.Error("Done should be closed after shutdown")
	}
}

func TestShutdownDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	started := make(chan struct{})
	h := sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	go h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync/file", nil))
	<-started

	err := sm.Shutdown(context.Background(), "test")
	close(release)
	if err == nil {
		t.Error("expected a drain error while a request is running")
	}
}
