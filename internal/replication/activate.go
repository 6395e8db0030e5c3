package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/pkg/types"
)

// Activate turns an extract into a replica: it registers with the master,
// moves the id generators of local feature types into the allocated shard
// and starts tracking edits for upload.
func (r *Replica) Activate(ctx context.Context, owner, location string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, err := DetectRole(ctx, r.dd)
	if err != nil {
		return "", err
	}
	if role != RoleExtract {
		return "", myerrors.NewSyncError(myerrors.CodeInvalidReplica, fmt.Sprintf("cannot activate a %s database", role), nil)
	}
	extractType, _, err := r.dd.Setting(ctx, SettingExtractType)
	if err != nil {
		return "", err
	}

	reg, err := r.tr.Register(ctx, extractType, owner, location, r.opts.ShardSize)
	if err != nil {
		return "", err
	}
	err = r.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := r.useShard(ctx, reg.ShardMin, reg.ShardMax); err != nil {
			return err
		}
		if _, err := r.dd.AddReplicaShard(ctx, reg.ReplicaID, reg.ShardMin, reg.ShardMax); err != nil {
			return err
		}
		if err := r.dd.SetSetting(ctx, SettingReplicaID, reg.ReplicaID); err != nil {
			return err
		}
		return r.dd.SetVersionStamp(ctx, types.ComponentReplicaUpload, 0)
	})
	if err != nil {
		return "", fmt.Errorf("replication: registered as %s but activation failed: %w", reg.ReplicaID, err)
	}
	if _, err := r.setCheckpoint(ctx, replicaExportCheckpoint); err != nil {
		return "", err
	}
	log.Printf("replication: activated as %s with ids %d..%d", reg.ReplicaID, reg.ShardMin, reg.ShardMax)
	return reg.ReplicaID, nil
}

// useShard restricts the sequence keys of every local feature type to a
// shard. Pre-extracted external feature types are left alone: they are
// read-only snapshots, replaced on each update and never uploaded.
func (r *Replica) useShard(ctx context.Context, min, max int64) error {
	recs, err := r.dd.FeatureTypes(ctx, dd.DefaultDatasource, "", false)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		def, err := r.dd.FeatureDef(ctx, rec)
		if err != nil {
			return err
		}
		if def.KeyGenerator != schema.GenSequence {
			continue
		}
		if err := r.s.SetSequenceRange(ctx, types.SchemaData, rec.TableName(), def.KeyField, min, max); err != nil {
			return fmt.Errorf("replication: failed to move ids of %s: %w", rec.Name, err)
		}
	}
	return nil
}

// ExtendShard records a further shard allocated by the master and moves
// the id generators into it.
func (r *Replica) ExtendShard(ctx context.Context, min, max int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok, err := r.dd.Setting(ctx, SettingReplicaID)
	if err != nil {
		return err
	}
	if !ok || id == "" {
		return myerrors.NewSyncError(myerrors.CodeInvalidReplica, "database is not a replica", nil)
	}
	return r.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := r.useShard(ctx, min, max); err != nil {
			return err
		}
		_, err := r.dd.AddReplicaShard(ctx, id, min, max)
		return err
	})
}

// UploadChanges sends the edits made on a replica since its last upload to
// the master. It returns the upload id, or 0 when there was nothing to send.
func (r *Replica) UploadChanges(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress()

	id, ok, err := r.dd.Setting(ctx, SettingReplicaID)
	if err != nil {
		return 0, err
	}
	if !ok || id == "" {
		return 0, myerrors.NewSyncError(myerrors.CodeInvalidReplica, "database is not a replica", nil)
	}
	base, err := r.dd.Checkpoint(ctx, replicaExportCheckpoint)
	if err != nil {
		return 0, err
	}
	if base == nil {
		return 0, myerrors.NewSyncError(myerrors.CodeInvalidReplica, "replica has no export checkpoint", nil)
	}

	p.Start("checkpoint")
	next, err := r.setCheckpoint(ctx, nextCheckpoint(replicaExportCheckpoint))
	if err != nil {
		return 0, err
	}
	defer r.dropNextCheckpoint(ctx, replicaExportCheckpoint)

	recs, err := r.dd.FeatureTypes(ctx, dd.DefaultDatasource, "", false)
	if err != nil {
		return 0, err
	}
	tables := make([]string, len(recs))
	for i, rec := range recs {
		tables[i] = rec.TableName()
	}
	changed, err := r.featureChangesSince(ctx, base.Version, tables)
	if err != nil {
		return 0, err
	}
	if !changed {
		p.End()
		return 0, nil
	}

	dir, err := r.stagingDir("upload")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(dir)
	last, err := r.dd.VersionStamp(ctx, types.ComponentReplicaUpload)
	if err != nil {
		return 0, err
	}
	uploadID := last + 1
	man := &Manifest{ID: uploadID, Source: id, FromVersion: base.Version, ToVersion: next.Version}
	b := newBuilder(r.Engine, filepath.Join(dir, "package"), man, nil)

	p.Start("features")
	for _, rec := range recs {
		if err := b.writeFeatures(ctx, rec, base.Version, next.Version); err != nil {
			return 0, fmt.Errorf("replication: failed to upload %s: %w", rec.Name, err)
		}
		if rec.Versioned {
			if err := b.writeDeltas(ctx, rec, base.Version); err != nil {
				return 0, fmt.Errorf("replication: failed to upload deltas of %s: %w", rec.Name, err)
			}
		}
	}
	if err := b.writeStamps([]stampRow{{Component: types.ReplicaDataComponent(id), Version: next.Version}}); err != nil {
		return 0, err
	}
	if man.Empty() {
		_, err := r.moveCheckpoint(ctx, replicaExportCheckpoint, nextCheckpoint(replicaExportCheckpoint))
		p.End()
		return 0, err
	}

	p.Start("upload")
	outDir := filepath.Join(dir, "out")
	name := storage.UpdateName(uploadID)
	if err := b.finish(filepath.Join(outDir, name)); err != nil {
		return 0, err
	}
	if err := r.tr.UploadFile(ctx, storage.ReplicaDir(id), outDir, name); err != nil {
		return 0, err
	}
	err = r.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := r.dd.SetVersionStamp(ctx, types.ComponentReplicaUpload, uploadID); err != nil {
			return err
		}
		_, err := r.moveCheckpoint(ctx, replicaExportCheckpoint, nextCheckpoint(replicaExportCheckpoint))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("replication: upload %d sent but not recorded: %w", uploadID, err)
	}
	p.End()
	log.Printf("replication: uploaded %d of %s (%d feature types)", uploadID, id, len(man.Features))
	return uploadID, nil
}

// featureChangesSince reports whether the feature or delta logs of the
// given tables have rows after a version. Configuration is never uploaded.
func (e *Engine) featureChangesSince(ctx context.Context, version int64, tables []string) (bool, error) {
	if len(tables) == 0 {
		return false, nil
	}
	for _, logTable := range []string{"transaction_log", "delta_transaction_log", "base_transaction_log"} {
		args := []interface{}{version}
		for _, t := range tables {
			args = append(args, t)
		}
		var n int64
		err := e.s.QueryRow(ctx, "SELECT count(*) FROM "+e.s.TableName(types.SchemaMyw, logTable)+
			" WHERE version > ? AND feature_type IN ("+placeholders(len(tables))+")", args...).Scan(&n)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Sync imports pending master updates and, on a replica, uploads local
// edits.
func (r *Replica) Sync(ctx context.Context) error {
	_, importErr := r.ImportUpdates(ctx)
	if importErr != nil {
		log.Printf("replication: [WARN] import failed: %v", importErr)
	}
	if r.Role() != RoleReplica {
		return importErr
	}
	_, uploadErr := r.UploadChanges(ctx)
	return errors.Join(importErr, uploadErr)
}

// Sync imports the uploads of every replica, then exports every extract
// type.
func (m *Master) Sync(ctx context.Context) error {
	_, importErr := m.ImportReplicaUpdates(ctx)
	_, exportErr := m.ExportAll(ctx)
	return errors.Join(importErr, exportErr)
}
