package observability

import (
	"sync"
	"testing"

	myerrors "github.com/myworld/mywdb/internal/errors"
)

func TestProgressPhases(t *testing.T) {
	p := NewProgress("export", false)
	p.Start("config")
	p.Add(3)
	p.Start("features")
	p.Add(10)
	p.Add(5)
	p.End()

	phases := p.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Phase != "config" || phases[0].Items != 3 {
		t.Errorf("first phase = %+v", phases[0])
	}
	if p.Items("features") != 15 {
		t.Errorf("features items = %d, want 15", p.Items("features"))
	}
	for _, ph := range phases {
		if ph.Finished.IsZero() {
			t.Errorf("phase %s not finished", ph.Phase)
		}
	}
	// Counts after End go nowhere.
	p.Add(1)
	if p.Items("features") != 15 {
		t.Error("count after End was recorded")
	}
}

func TestProgressAbort(t *testing.T) {
	p := NewProgress("extract", false)
	if err := p.Check(); err != nil {
		t.Fatalf("Check before abort = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Abort()
	}()
	wg.Wait()

	err := p.Check()
	if !myerrors.HasCode(err, myerrors.ErrCategoryInternal, myerrors.CodeAborted) {
		t.Errorf("Check after abort = %v, want ABORTED", err)
	}
}

func TestNilProgress(t *testing.T) {
	var p *Progress
	p.Start("x")
	p.Add(1)
	p.End()
	p.Abort()
	if err := p.Check(); err != nil {
		t.Errorf("nil progress Check = %v", err)
	}
	if p.Phases() != nil || p.Items("x") != 0 {
		t.Error("nil progress reported data")
	}
}
