// Package observability provides progress tracking for long running
// replication operations: per-phase counters, logging and cooperative abort.
package observability

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	myerrors "github.com/myworld/mywdb/internal/errors"
)

// PhaseStats holds the counters of one phase of an operation.
type PhaseStats struct {
	Phase    string
	Items    int64
	Started  time.Time
	Finished time.Time
}

// Duration returns the time spent in the phase so far.
func (p PhaseStats) Duration() time.Duration {
	if p.Finished.IsZero() {
		return time.Since(p.Started)
	}
	return p.Finished.Sub(p.Started)
}

// Progress tracks an operation through its phases. It is safe for
// concurrent use; a nil *Progress discards everything and never aborts.
type Progress struct {
	operation string
	verbose   bool

	mu      sync.Mutex
	phases  map[string]*PhaseStats
	current string

	aborted atomic.Bool
}

// NewProgress creates a tracker for an operation. When verbose, each phase
// start and end is logged.
func NewProgress(operation string, verbose bool) *Progress {
	return &Progress{operation: operation, verbose: verbose, phases: make(map[string]*PhaseStats)}
}

// Start begins a phase, ending the current one.
func (p *Progress) Start(phase string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLocked()
	p.phases[phase] = &PhaseStats{Phase: phase, Started: time.Now()}
	p.current = phase
	if p.verbose {
		log.Printf("%s: %s", p.operation, phase)
	}
}

// End finishes the current phase.
func (p *Progress) End() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLocked()
}

func (p *Progress) endLocked() {
	ph := p.phases[p.current]
	if ph == nil || !ph.Finished.IsZero() {
		return
	}
	ph.Finished = time.Now()
	if p.verbose {
		log.Printf("%s: %s done (%d items, %v)", p.operation, ph.Phase, ph.Items, ph.Duration().Round(time.Millisecond))
	}
	p.current = ""
}

// Add counts n items against the current phase.
func (p *Progress) Add(n int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ph := p.phases[p.current]; ph != nil {
		ph.Items += n
	}
}

// Abort asks the operation to stop at its next check.
func (p *Progress) Abort() {
	if p != nil {
		p.aborted.Store(true)
	}
}

// Check returns an ABORTED error once Abort has been called. Operations
// call it between chunks.
func (p *Progress) Check() error {
	if p != nil && p.aborted.Load() {
		return myerrors.NewAborted(p.operation)
	}
	return nil
}

// Phases returns a copy of the phase counters ordered by start time.
func (p *Progress) Phases() []PhaseStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PhaseStats, 0, len(p.phases))
	for _, ph := range p.phases {
		out = append(out, *ph)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Items returns the item count of a phase.
func (p *Progress) Items(phase string) int64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ph := p.phases[phase]; ph != nil {
		return ph.Items
	}
	return 0
}
