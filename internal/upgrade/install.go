package upgrade

import (
	"context"
	"fmt"
	"log"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/pkg/types"
)

// Installed reports whether the core schema is present and returns its version.
func Installed(ctx context.Context, s *driver.Session) (bool, int64, error) {
	exists, err := s.TableExists(ctx, types.SchemaMyw, "version_stamp")
	if err != nil || !exists {
		return false, 0, err
	}
	v, err := dd.NewManager(s).VersionStamp(ctx, types.ComponentSchema)
	if err != nil {
		return false, 0, err
	}
	return v > 0, v, nil
}

// InstallCore creates the system schemas and tables in leaf order, installs
// configuration triggers and stamps the database at the latest core version.
func InstallCore(ctx context.Context, s *driver.Session) error {
	ok, v, err := Installed(ctx, s)
	if err != nil {
		return err
	}
	if ok {
		return myerrors.NewConfigError(myerrors.CodeConflictingOption,
			fmt.Sprintf("upgrade: core schema already installed at version %d", v))
	}
	e, err := EngineFor(s, CoreModule, 0)
	if err != nil {
		return err
	}

	err = s.InTransaction(ctx, func(ctx context.Context) error {
		for _, name := range []string{types.SchemaMyw, types.SchemaData, types.SchemaDelta, types.SchemaBase} {
			if err := s.CreateSchema(ctx, name); err != nil {
				return err
			}
		}
		for _, t := range dd.SystemTables() {
			if err := s.CreateTable(ctx, t); err != nil {
				return fmt.Errorf("upgrade: failed to create %s: %w", t.Name, err)
			}
		}
		for _, opts := range dd.ConfigTriggers() {
			if err := s.SetConfigTriggers(ctx, opts); err != nil {
				return err
			}
		}
		// Later steps also shape tables created above.
		for _, id := range e.module.StepIDs() {
			if err := e.module.Updates[id].Run(ctx, e); err != nil {
				return fmt.Errorf("upgrade: step %d: %w", id, err)
			}
		}
		stamps := map[string]int64{
			types.ComponentSchema:       int64(e.module.LatestVersion()),
			types.ComponentData:         1,
			types.ComponentServerConfig: 1,
			types.ComponentUserConfig:   1,
		}
		for component, version := range stamps {
			if err := e.dd.SetVersionStamp(ctx, component, version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("upgrade: installed core schema version %d on %s", e.module.LatestVersion(), s.Dialect())
	return nil
}

// InstallModule installs a registered module's tables and stamps it at its
// latest version. The core schema must already be installed.
func InstallModule(ctx context.Context, s *driver.Session, name string) error {
	if ok, _, err := Installed(ctx, s); err != nil {
		return err
	} else if !ok {
		return myerrors.NewConfigError(myerrors.CodeBadValue, "upgrade: core schema is not installed")
	}
	e, err := EngineFor(s, name, 0)
	if err != nil {
		return err
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current > 0 {
		return myerrors.NewConfigError(myerrors.CodeConflictingOption,
			fmt.Sprintf("upgrade: module %s already installed at version %d", name, current))
	}

	version := e.module.LatestVersion()
	if version == 0 {
		version = 1
	}
	err = s.InTransaction(ctx, func(ctx context.Context) error {
		if e.module.Install != nil {
			if err := e.module.Install(ctx, e); err != nil {
				return err
			}
		}
		return e.dd.SetVersionStamp(ctx, e.module.Component(), int64(version))
	})
	if err != nil {
		return myerrors.Wrap(myerrors.ErrCategoryUpgrade, myerrors.CodeStepFailed,
			fmt.Sprintf("upgrade: install of module %s failed", name), err)
	}
	log.Printf("upgrade: installed module %s version %d", name, version)
	return nil
}
