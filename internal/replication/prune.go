package replication

import (
	"context"
	"fmt"
	"log"

	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/pkg/types"
)

// PruneResult holds the outcome of a pruning run.
type PruneResult struct {
	Deleted        []string
	RemovedObjects int
	Errors         []string
}

// PruneReplicas removes dead replicas: their sync directory, their data
// version stamp and their records. The shard low water mark is left where
// it is, so their ids are never handed out again.
func (m *Master) PruneReplicas(ctx context.Context) (*PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reps, err := m.dd.Replicas(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("replication: failed to list replicas: %w", err)
	}
	result := &PruneResult{}
	for _, rep := range reps {
		if !rep.Dead {
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		n, err := m.share.RemoveDir(ctx, storage.ReplicaDir(rep.ID))
		result.RemovedObjects += n
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rep.ID, err))
			continue
		}
		err = m.s.InTransaction(ctx, func(ctx context.Context) error {
			if err := m.dd.DeleteVersionStamp(ctx, types.ReplicaDataComponent(rep.ID)); err != nil {
				return err
			}
			return m.dd.DeleteReplica(ctx, rep.ID)
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rep.ID, err))
			continue
		}
		result.Deleted = append(result.Deleted, rep.ID)
	}
	if len(result.Errors) > 0 {
		log.Printf("replication: [WARN] encountered %d errors while pruning replicas", len(result.Errors))
	}
	return result, nil
}
