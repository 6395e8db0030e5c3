package replication

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DaemonConfig holds configuration for the sync daemon.
type DaemonConfig struct {
	// Interval is how often a sync cycle runs (default: 1 minute).
	Interval time.Duration

	// PruneDead removes dead replicas after each master cycle.
	PruneDead bool
}

// DefaultDaemonConfig returns the default daemon configuration.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{Interval: time.Minute}
}

// Daemon runs sync cycles of an engine in the background: exports and
// replica imports on a master, imports and uploads on a replica.
type Daemon struct {
	config DaemonConfig
	syncer Syncer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycles int64
	failed int64
}

// NewDaemon creates a sync daemon for an engine.
func NewDaemon(config DaemonConfig, syncer Syncer) *Daemon {
	if config.Interval <= 0 {
		config.Interval = DefaultDaemonConfig().Interval
	}
	return &Daemon{config: config, syncer: syncer}
}

// Start begins the sync loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("replication: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the sync loop and waits for a running cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs a single sync cycle. Failures are logged; the next
// cycle retries.
func (d *Daemon) runOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := time.Now()
	err := d.syncer.Sync(ctx)

	d.mu.Lock()
	d.cycles++
	if err != nil {
		d.failed++
	}
	d.mu.Unlock()

	if err != nil {
		log.Printf("replication: [WARN] %s sync cycle failed: %v", d.syncer.Role(), err)
		return err
	}
	if m, ok := d.syncer.(*Master); ok && d.config.PruneDead && ctx.Err() == nil {
		res, err := m.PruneReplicas(ctx)
		if err != nil {
			log.Printf("replication: [WARN] pruning failed: %v", err)
			return err
		}
		if len(res.Deleted) > 0 {
			log.Printf("replication: pruned %d dead replicas", len(res.Deleted))
		}
	}
	log.Printf("replication: %s sync cycle done in %s", d.syncer.Role(), time.Since(start).Round(time.Millisecond))
	return nil
}

// RunOnce performs a single sync cycle (useful for testing and the CLI).
func (d *Daemon) RunOnce(ctx context.Context) error {
	return d.runOnce(ctx)
}

// Stats returns the number of cycles run and of those that failed.
func (d *Daemon) Stats() (cycles, failed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles, d.failed
}
