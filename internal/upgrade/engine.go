// Package upgrade installs the myWorld system schema and moves existing
// databases forward through numbered, idempotent upgrade steps.
//
// Step ids are packed decimals RRRNN (release*1000 + step). The highest step
// applied for a module is recorded in the module's version stamp; the core
// module uses the myw_schema stamp.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/pkg/types"
)

// StepFunc performs one upgrade step. It must be a no-op when its output is
// already present.
type StepFunc func(ctx context.Context, e *Engine) error

// Step is a named upgrade step.
type Step struct {
	Name string
	Run  StepFunc
}

// Module declares the upgrade history of a schema component.
type Module struct {
	Name string

	// FromVersion is the lowest stamp value the steps can start from.
	FromVersion int

	// SupportsDryRun allows Run with dryRun on dialects that roll back DDL.
	SupportsDryRun bool

	// Install creates the module's tables at its latest version.
	Install StepFunc

	Updates map[int]Step
}

// Component returns the version stamp component of the module.
func (m *Module) Component() string {
	if m.Name == CoreModule {
		return types.ComponentSchema
	}
	return m.Name + "_schema"
}

// StepIDs returns the module's step ids in ascending order.
func (m *Module) StepIDs() []int {
	ids := make([]int, 0, len(m.Updates))
	for id := range m.Updates {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LatestVersion returns the highest step id, or 0 when there are none.
func (m *Module) LatestVersion() int {
	ids := m.StepIDs()
	if len(ids) == 0 {
		return 0
	}
	return ids[len(ids)-1]
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Module)
)

// Register makes a module available to EngineFor and InstallModule. It panics
// when a module of the same name is already registered.
func Register(m *Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[m.Name]; dup {
		panic("upgrade: Register called twice for module " + m.Name)
	}
	registry[m.Name] = m
}

// Modules returns the names of the registered modules, sorted.
func Modules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (*Module, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	if !ok {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("upgrade: unknown module %q", name))
	}
	return m, nil
}

// Engine applies one module's steps to a database.
type Engine struct {
	s      *driver.Session
	dd     *dd.Manager
	module *Module
	target int
}

// EngineFor returns the engine of a registered module. A non-zero target
// limits the engine to steps with ids up to and including target.
func EngineFor(s *driver.Session, module string, target int) (*Engine, error) {
	m, err := lookup(module)
	if err != nil {
		return nil, err
	}
	return &Engine{s: s, dd: dd.NewManager(s), module: m, target: target}, nil
}

// Session returns the session the engine writes through.
func (e *Engine) Session() *driver.Session { return e.s }

// DD returns the data dictionary manager of the engine's session.
func (e *Engine) DD() *dd.Manager { return e.dd }

// Module returns the module the engine upgrades.
func (e *Engine) Module() *Module { return e.module }

// CurrentVersion returns the module's stamp.
func (e *Engine) CurrentVersion(ctx context.Context) (int64, error) {
	return e.dd.VersionStamp(ctx, e.module.Component())
}

// Pending returns the ids of steps not yet applied, below stopBefore when it
// is non-zero.
func (e *Engine) Pending(ctx context.Context, stopBefore int) ([]int, error) {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return e.pending(current, stopBefore), nil
}

func (e *Engine) pending(current int64, stopBefore int) []int {
	var ids []int
	for _, id := range e.module.StepIDs() {
		if int64(id) <= current {
			continue
		}
		if stopBefore > 0 && id >= stopBefore {
			break
		}
		if e.target > 0 && id > e.target {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

var errDryRun = errors.New("upgrade: dry run")

// Run applies pending steps in id order, each in its own transaction, and
// returns the ids applied. Steps at or above stopBefore are left pending when
// stopBefore is non-zero. A dry run wraps every step in one outer transaction
// that is rolled back.
func (e *Engine) Run(ctx context.Context, stopBefore int, dryRun bool) ([]int, error) {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current < int64(e.module.FromVersion) {
		return nil, myerrors.NewUpgradeError(myerrors.CodeVersionTooOld,
			fmt.Sprintf("upgrade: %s is at version %d, upgrade requires at least %d", e.module.Name, current, e.module.FromVersion))
	}
	ids := e.pending(current, stopBefore)
	if len(ids) == 0 {
		log.Printf("upgrade: %s is up to date at version %d", e.module.Name, current)
		return nil, nil
	}

	if !dryRun {
		return e.apply(ctx, ids)
	}
	if !e.s.Driver().SupportsDataModelRollback() || !e.module.SupportsDryRun {
		return nil, myerrors.NewUpgradeError(myerrors.CodeDryRunUnsupported,
			fmt.Sprintf("upgrade: dry run not supported for %s on %s", e.module.Name, e.s.Dialect()))
	}
	var applied []int
	err = e.s.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		if applied, err = e.apply(ctx, ids); err != nil {
			return err
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		log.Printf("upgrade: %s dry run of %d steps rolled back", e.module.Name, len(applied))
		return applied, nil
	}
	return applied, err
}

func (e *Engine) apply(ctx context.Context, ids []int) ([]int, error) {
	component := e.module.Component()
	var applied []int
	for _, id := range ids {
		step := e.module.Updates[id]
		ran := false
		err := e.s.InTransaction(ctx, func(ctx context.Context) error {
			v, err := e.dd.VersionStamp(ctx, component)
			if err != nil {
				return err
			}
			if v >= int64(id) {
				return nil
			}
			log.Printf("upgrade: %s: running step %d %s", e.module.Name, id, step.Name)
			if err := step.Run(ctx, e); err != nil {
				return err
			}
			ran = true
			return e.dd.SetVersionStamp(ctx, component, int64(id))
		})
		if err != nil {
			return applied, myerrors.Wrap(myerrors.ErrCategoryUpgrade, myerrors.CodeStepFailed,
				fmt.Sprintf("upgrade: %s step %d %s failed", e.module.Name, id, step.Name), err)
		}
		if ran {
			applied = append(applied, id)
		}
	}
	e.s.InvalidateCache()
	return applied, nil
}
