package replication

import (
	"context"
	"fmt"
	"log"

	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/pkg/types"
)

// Checkpoint names used by replication.
func exportCheckpoint(extractType string) string { return "extract_" + extractType + "_export" }

func nextCheckpoint(name string) string { return name + "_next" }

const replicaExportCheckpoint = "replica_export"

// dropNextCheckpoint removes the staging checkpoint of an export, whatever
// its outcome.
func (e *Engine) dropNextCheckpoint(ctx context.Context, base string) {
	name := nextCheckpoint(base)
	if err := e.dd.DropCheckpoint(ctx, name); err != nil {
		log.Printf("replication: [WARN] failed to drop checkpoint %s: %v", name, err)
	}
}

// SetCheckpoint positions a named checkpoint at the current data version of
// the database and of every tile file. The data stamp advances, so writes
// committed afterwards fall after the checkpoint.
func (e *Engine) SetCheckpoint(ctx context.Context, name string) (*types.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setCheckpoint(ctx, name)
}

func (e *Engine) setCheckpoint(ctx context.Context, name string) (*types.Checkpoint, error) {
	var cp *types.Checkpoint
	// The exclusive lock taken at serializable isolation waits for every
	// writer holding the shared lock, so the checkpoint sees their commits.
	err := e.s.InSerializableTransaction(ctx, func(ctx context.Context) error {
		var err error
		cp, err = e.dd.SetCheckpoint(ctx, name, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	stores, err := e.openTileStores(tilestore.ModeWrite)
	if err != nil {
		return nil, err
	}
	defer closeStores(stores)
	for _, st := range stores {
		if _, err := st.SetCheckpoint(ctx, name, 0); err != nil {
			return nil, fmt.Errorf("replication: tile file %s: %w", st.Name(), err)
		}
	}
	log.Printf("replication: checkpoint %s set at version %d", name, cp.Version)
	return cp, nil
}

// moveCheckpoint positions checkpoint name where checkpoint from is, in the
// database and in every tile file.
func (e *Engine) moveCheckpoint(ctx context.Context, name, from string) (*types.Checkpoint, error) {
	src, err := e.dd.Checkpoint(ctx, from)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("replication: no checkpoint %s", from)
	}
	cp, err := e.dd.SetCheckpoint(ctx, name, src.Version)
	if err != nil {
		return nil, err
	}

	stores, err := e.openTileStores(tilestore.ModeWrite)
	if err != nil {
		return nil, err
	}
	defer closeStores(stores)
	for _, st := range stores {
		v, err := st.DataVersionFor(ctx, from)
		if err != nil {
			return nil, err
		}
		if v == 0 {
			continue
		}
		if _, err := st.SetCheckpoint(ctx, name, v); err != nil {
			return nil, fmt.Errorf("replication: tile file %s: %w", st.Name(), err)
		}
	}
	return cp, nil
}

// Checkpoints returns the checkpoints of the database matching a glob.
func (e *Engine) Checkpoints(ctx context.Context, spec string) ([]types.Checkpoint, error) {
	return e.dd.Checkpoints(ctx, spec)
}

// DropCheckpoint removes a checkpoint from the database.
func (e *Engine) DropCheckpoint(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dd.DropCheckpoint(ctx, name)
}
