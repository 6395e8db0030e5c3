package dd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/myworld/mywdb/pkg/types"
)

// VersionStamp returns the version of a component, or 0 if it has none.
func (m *Manager) VersionStamp(ctx context.Context, component string) (int64, error) {
	var v int64
	err := m.s.QueryRow(ctx, "SELECT version FROM "+m.mywTable("version_stamp")+" WHERE component = ?", component).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dd: failed to read version stamp %s: %w", component, err)
	}
	return v, nil
}

// DataVersion returns the current data version.
func (m *Manager) DataVersion(ctx context.Context) (int64, error) {
	return m.VersionStamp(ctx, types.ComponentData)
}

// SetVersionStamp sets the version of a component, creating it if needed.
func (m *Manager) SetVersionStamp(ctx context.Context, component string, version int64) error {
	return m.UpsertRecord(ctx, "version_stamp", types.Record{
		"component": component,
		"version":   version,
		"date":      time.Now().UTC(),
	})
}

// IncrementVersionStamp adds one to a component's version and returns the new value.
func (m *Manager) IncrementVersionStamp(ctx context.Context, component string) (int64, error) {
	res, err := m.s.Exec(ctx, "UPDATE "+m.mywTable("version_stamp")+" SET version = version + 1, date = ? WHERE component = ?",
		time.Now().UTC(), component)
	if err != nil {
		return 0, fmt.Errorf("dd: failed to increment version stamp %s: %w", component, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := m.SetVersionStamp(ctx, component, 1); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return m.VersionStamp(ctx, component)
}

// DeleteVersionStamp removes a component's stamp.
func (m *Manager) DeleteVersionStamp(ctx context.Context, component string) error {
	_, err := m.DeleteRecords(ctx, "version_stamp", "component = ?", component)
	return err
}

// VersionStamps returns every stamp ordered by component.
func (m *Manager) VersionStamps(ctx context.Context) ([]types.VersionStamp, error) {
	recs, err := m.Records(ctx, "version_stamp", "")
	if err != nil {
		return nil, err
	}
	out := make([]types.VersionStamp, len(recs))
	for i, r := range recs {
		out[i] = types.VersionStamp{Component: r.String("component"), Version: r.Int("version"), Date: recordTime(r, "date")}
	}
	return out, nil
}

func recordTime(r types.Record, col string) time.Time {
	switch t := r[col].(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02T15:04:05.999999"} {
			if v, err := time.Parse(layout, t); err == nil {
				return v
			}
		}
	}
	return time.Time{}
}

// Checkpoint returns a named checkpoint, or nil if it does not exist.
func (m *Manager) Checkpoint(ctx context.Context, name string) (*types.Checkpoint, error) {
	r, err := m.Record(ctx, "checkpoint", name)
	if err != nil || r == nil {
		return nil, err
	}
	return &types.Checkpoint{Name: name, Version: r.Int("version"), Date: recordTime(r, "date")}, nil
}

// Checkpoints returns the checkpoints whose names match a glob, ordered by name.
func (m *Manager) Checkpoints(ctx context.Context, spec string) ([]types.Checkpoint, error) {
	recs, err := m.Records(ctx, "checkpoint", "")
	if err != nil {
		return nil, err
	}
	var out []types.Checkpoint
	for _, r := range recs {
		name := r.String("name")
		if ok, _ := path.Match(spec, name); spec != "" && !ok {
			continue
		}
		out = append(out, types.Checkpoint{Name: name, Version: r.Int("version"), Date: recordTime(r, "date")})
	}
	return out, nil
}

// SetCheckpoint positions a checkpoint. With version 0 it takes the current
// data version and advances the data stamp, so every later write falls after
// the checkpoint. It holds the version stamp lock exclusively, so no
// concurrent writer observes a torn state.
func (m *Manager) SetCheckpoint(ctx context.Context, name string, version int64) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{Name: name, Date: time.Now().UTC()}
	err := m.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.s.AcquireVersionStampLock(ctx, true); err != nil {
			return err
		}
		if version == 0 {
			v, err := m.DataVersion(ctx)
			if err != nil {
				return err
			}
			if _, err := m.IncrementVersionStamp(ctx, types.ComponentData); err != nil {
				return err
			}
			version = v
		}
		cp.Version = version
		return m.UpsertRecord(ctx, "checkpoint", types.Record{"name": name, "version": version, "date": cp.Date})
	})
	if err != nil {
		return nil, fmt.Errorf("dd: failed to set checkpoint %s: %w", name, err)
	}
	return cp, nil
}

// DropCheckpoint removes a checkpoint.
func (m *Manager) DropCheckpoint(ctx context.Context, name string) error {
	_, err := m.DeleteRecords(ctx, "checkpoint", "name = ?", name)
	return err
}
