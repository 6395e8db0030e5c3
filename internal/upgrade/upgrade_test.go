package upgrade

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/pkg/types"
)

func newTestSession(t *testing.T) *driver.Session {
	t.Helper()
	s, err := driver.Open(context.Background(), driver.DialectSQLite, filepath.Join(t.TempDir(), "myw.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newInstalledSession(t *testing.T) *driver.Session {
	t.Helper()
	s := newTestSession(t)
	if err := InstallCore(context.Background(), s); err != nil {
		t.Fatalf("InstallCore failed: %v", err)
	}
	return s
}

func stamp(t *testing.T, s *driver.Session, component string) int64 {
	t.Helper()
	v, err := dd.NewManager(s).VersionStamp(context.Background(), component)
	if err != nil {
		t.Fatalf("VersionStamp(%s) failed: %v", component, err)
	}
	return v
}

func setStamp(t *testing.T, s *driver.Session, component string, v int64) {
	t.Helper()
	if err := dd.NewManager(s).SetVersionStamp(context.Background(), component, v); err != nil {
		t.Fatalf("SetVersionStamp(%s) failed: %v", component, err)
	}
}

func tableExists(t *testing.T, s *driver.Session, schemaName, name string) bool {
	t.Helper()
	ok, err := s.TableExists(context.Background(), schemaName, name)
	if err != nil {
		t.Fatalf("TableExists(%s) failed: %v", name, err)
	}
	return ok
}

func TestInstallCore(t *testing.T) {
	ctx := context.Background()
	s := newInstalledSession(t)

	for _, tbl := range dd.SystemTables() {
		if !tableExists(t, s, tbl.Schema, tbl.Name) {
			t.Errorf("system table %s not created", tbl.Name)
		}
	}
	if got := stamp(t, s, types.ComponentSchema); got != int64(CoreVersion()) {
		t.Errorf("myw_schema = %d, want %d", got, CoreVersion())
	}
	if got := stamp(t, s, types.ComponentData); got != 1 {
		t.Errorf("data stamp = %d, want 1", got)
	}

	ok, v, err := Installed(ctx, s)
	if err != nil || !ok || v != int64(CoreVersion()) {
		t.Fatalf("Installed = %v, %d, %v", ok, v, err)
	}

	err = InstallCore(ctx, s)
	if !myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeConflictingOption) {
		t.Fatalf("second install: expected CONFLICTING_OPTION, got %v", err)
	}
}

func TestRunAppliesPendingSteps(t *testing.T) {
	ctx := context.Background()
	s := newInstalledSession(t)

	for _, name := range []string{"network", "network_feature_item"} {
		if err := s.DropTableIfExists(ctx, types.SchemaMyw, name); err != nil {
			t.Fatalf("drop %s: %v", name, err)
		}
	}
	setStamp(t, s, types.ComponentSchema, CoreFromVersion)

	e, err := EngineFor(s, CoreModule, 0)
	if err != nil {
		t.Fatalf("EngineFor failed: %v", err)
	}
	pending, err := e.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	want := []int{43001, 50004, 60002, 70003}
	if !reflect.DeepEqual(pending, want) {
		t.Fatalf("Pending = %v, want %v", pending, want)
	}

	applied, err := e.Run(ctx, 0, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(applied, want) {
		t.Errorf("applied = %v, want %v", applied, want)
	}
	if !tableExists(t, s, types.SchemaMyw, "network") {
		t.Error("network table not recreated")
	}
	if got := stamp(t, s, types.ComponentSchema); got != 70003 {
		t.Errorf("myw_schema = %d, want 70003", got)
	}

	applied, err = e.Run(ctx, 0, false)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("second Run applied %v, want nothing", applied)
	}
}

func TestRunStopBefore(t *testing.T) {
	ctx := context.Background()
	s := newInstalledSession(t)
	setStamp(t, s, types.ComponentSchema, CoreFromVersion)

	e, _ := EngineFor(s, CoreModule, 0)
	applied, err := e.Run(ctx, 50004, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(applied, []int{43001}) {
		t.Errorf("applied = %v, want [43001]", applied)
	}
	if got := stamp(t, s, types.ComponentSchema); got != 43001 {
		t.Errorf("myw_schema = %d, want 43001", got)
	}

	// A target caps the engine the same way.
	e, _ = EngineFor(s, CoreModule, 60002)
	applied, err = e.Run(ctx, 0, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(applied, []int{50004, 60002}) {
		t.Errorf("applied = %v, want [50004 60002]", applied)
	}
}

func TestRunVersionTooOld(t *testing.T) {
	s := newInstalledSession(t)
	setStamp(t, s, types.ComponentSchema, 42005)

	e, _ := EngineFor(s, CoreModule, 0)
	_, err := e.Run(context.Background(), 0, false)
	if !myerrors.HasCode(err, myerrors.ErrCategoryUpgrade, myerrors.CodeVersionTooOld) {
		t.Fatalf("expected VERSION_TOO_OLD, got %v", err)
	}
}

func TestDryRunUnsupportedOnEmbedded(t *testing.T) {
	s := newInstalledSession(t)
	setStamp(t, s, types.ComponentSchema, CoreFromVersion)

	e, _ := EngineFor(s, CoreModule, 0)
	_, err := e.Run(context.Background(), 0, true)
	if !myerrors.HasCode(err, myerrors.ErrCategoryUpgrade, myerrors.CodeDryRunUnsupported) {
		t.Fatalf("expected DRY_RUN_UNSUPPORTED, got %v", err)
	}
	if got := stamp(t, s, types.ComponentSchema); got != CoreFromVersion {
		t.Errorf("dry run changed myw_schema to %d", got)
	}
}

func TestCoreStepsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newInstalledSession(t)
	e, _ := EngineFor(s, CoreModule, 0)

	for _, id := range e.Module().StepIDs() {
		step := e.Module().Updates[id]
		for i := 0; i < 2; i++ {
			if err := s.InTransaction(ctx, func(ctx context.Context) error { return step.Run(ctx, e) }); err != nil {
				t.Fatalf("step %d %s run %d failed: %v", id, step.Name, i+1, err)
			}
		}
	}
}

func TestDeltasStepAddsVersionedCompanions(t *testing.T) {
	ctx := context.Background()
	s := newInstalledSession(t)
	m := dd.NewManager(s)

	desc := &dd.FeatureDescriptor{
		Datasource: dd.DefaultDatasource,
		Name:       "valve",
		Versioned:  true,
		Fields: []*dd.FieldDesc{
			{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
			{Name: "location", Type: "point"},
		},
	}
	if _, err := m.CreateFeatureType(ctx, desc); err != nil {
		t.Fatalf("CreateFeatureType failed: %v", err)
	}
	for _, schemaName := range []string{types.SchemaDelta, types.SchemaBase} {
		if err := s.DropTableIfExists(ctx, schemaName, "valve"); err != nil {
			t.Fatalf("drop %s.valve: %v", schemaName, err)
		}
	}
	setStamp(t, s, types.ComponentSchema, 43001)

	e, _ := EngineFor(s, CoreModule, 0)
	if _, err := e.Run(ctx, 0, false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, schemaName := range []string{types.SchemaDelta, types.SchemaBase} {
		if !tableExists(t, s, schemaName, "valve") {
			t.Errorf("%s.valve not recreated", schemaName)
		}
	}
}

// registerTestModule tolerates repeated runs of the same test binary.
func registerTestModule(m *Module) {
	if _, err := lookup(m.Name); err == nil {
		return
	}
	Register(m)
}

var errStepBoom = errors.New("boom")

func TestFailedStepKeepsEarlierSteps(t *testing.T) {
	ctx := context.Background()
	s := newInstalledSession(t)

	registerTestModule(&Module{
		Name: "test_failing",
		Updates: map[int]Step{
			1001: {Name: "create_widget", Run: func(ctx context.Context, e *Engine) error {
				_, err := e.Session().Exec(ctx, "CREATE TABLE "+e.Session().TableName(types.SchemaData, "widget")+" (id integer PRIMARY KEY)")
				return err
			}},
			1002: {Name: "explode", Run: func(ctx context.Context, e *Engine) error {
				if _, err := e.Session().Exec(ctx, "CREATE TABLE "+e.Session().TableName(types.SchemaData, "gadget")+" (id integer PRIMARY KEY)"); err != nil {
					return err
				}
				return errStepBoom
			}},
		},
	})

	e, err := EngineFor(s, "test_failing", 0)
	if err != nil {
		t.Fatalf("EngineFor failed: %v", err)
	}
	applied, err := e.Run(ctx, 0, false)
	if !myerrors.HasCode(err, myerrors.ErrCategoryUpgrade, myerrors.CodeStepFailed) {
		t.Fatalf("expected STEP_FAILED, got %v", err)
	}
	if !errors.Is(err, errStepBoom) {
		t.Errorf("step error not wrapped: %v", err)
	}
	if !reflect.DeepEqual(applied, []int{1001}) {
		t.Errorf("applied = %v, want [1001]", applied)
	}
	if got := stamp(t, s, "test_failing_schema"); got != 1001 {
		t.Errorf("stamp = %d, want 1001", got)
	}
	if !tableExists(t, s, types.SchemaData, "widget") {
		t.Error("widget table from the committed step is missing")
	}
	if tableExists(t, s, types.SchemaData, "gadget") {
		t.Error("gadget table from the failed step was not rolled back")
	}
}

func TestInstallModule(t *testing.T) {
	ctx := context.Background()

	registerTestModule(&Module{
		Name: "test_comms",
		Install: func(ctx context.Context, e *Engine) error {
			_, err := e.Session().Exec(ctx, "CREATE TABLE "+e.Session().TableName(types.SchemaData, "comms_circuit")+" (id integer PRIMARY KEY)")
			return err
		},
		Updates: map[int]Step{
			72001: {Name: "noop", Run: func(context.Context, *Engine) error { return nil }},
		},
	})

	bare := newTestSession(t)
	if err := InstallModule(ctx, bare, "test_comms"); err == nil {
		t.Fatal("expected InstallModule to fail without the core schema")
	}

	s := newInstalledSession(t)
	if err := InstallModule(ctx, s, "test_comms"); err != nil {
		t.Fatalf("InstallModule failed: %v", err)
	}
	if got := stamp(t, s, "test_comms_schema"); got != 72001 {
		t.Errorf("module stamp = %d, want 72001", got)
	}
	if err := InstallModule(ctx, s, "test_comms"); !myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeConflictingOption) {
		t.Errorf("second install: expected CONFLICTING_OPTION, got %v", err)
	}
	if _, err := EngineFor(s, "no_such_module", 0); err == nil {
		t.Error("expected error for unknown module")
	}
}
