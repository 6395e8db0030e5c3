package replication

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/transport"
)

// Master is the engine of the master database. It serves replica
// registration to transports.
type Master struct {
	*Engine
	share *storage.Share
	tr    transport.Transport
}

// NewMaster returns the engine of a master database publishing to share.
func NewMaster(s *driver.Session, share *storage.Share, opts Options) *Master {
	m := &Master{Engine: newEngine(s, opts), share: share}
	m.tr = transport.NewDirect(share, m)
	return m
}

func (m *Master) Role() Role { return RoleMaster }

// Share returns the sync share of the master.
func (m *Master) Share() *storage.Share { return m.share }

// RegisterReplica records a new replica of an extract type and allocates
// its first id shard.
func (m *Master) RegisterReplica(ctx context.Context, extractType, owner, location string, nIDs int64) (*transport.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ext, err := m.dd.ExtractRec(ctx, extractType)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("no such extract type: %s", extractType))
	}

	var reg *transport.Registration
	err = m.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.s.AcquireShardLock(ctx); err != nil {
			return err
		}
		hwm, err := m.dd.IntSetting(ctx, SettingReplicaIDHWM, 0)
		if err != nil {
			return err
		}
		id := "replica" + strconv.FormatInt(hwm+1, 10)
		if err := m.dd.SetSetting(ctx, SettingReplicaIDHWM, hwm+1); err != nil {
			return err
		}
		err = m.dd.CreateReplica(ctx, &dd.ReplicaRec{
			ID: id, Type: extractType, Owner: owner, Location: location, Registered: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		sh, err := m.allocateShard(ctx, id, nIDs)
		if err != nil {
			return err
		}
		reg = &transport.Registration{ReplicaID: id, ShardMin: sh.Min, ShardMax: sh.Max}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("replication: registered %s (%s) for %s with ids %d..%d",
		reg.ReplicaID, extractType, owner, reg.ShardMin, reg.ShardMax)
	return reg, nil
}

// AllocateShard hands out a further shard of n ids to a replica.
func (m *Master) AllocateShard(ctx context.Context, replicaID string, n int64) (dd.ReplicaShard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.dd.ReplicaRec(ctx, replicaID); err != nil {
		return dd.ReplicaShard{}, err
	}
	var sh dd.ReplicaShard
	err := m.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.s.AcquireShardLock(ctx); err != nil {
			return err
		}
		var err error
		sh, err = m.allocateShard(ctx, replicaID, n)
		return err
	})
	return sh, err
}

// allocateShard takes n ids below the low water mark. It must run under
// the shard lock.
func (m *Master) allocateShard(ctx context.Context, replicaID string, n int64) (dd.ReplicaShard, error) {
	if n <= 0 {
		return dd.ReplicaShard{}, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad shard size %d", n))
	}
	lwm, err := m.dd.IntSetting(ctx, SettingShardLWM, DefaultShardLWM)
	if err != nil {
		return dd.ReplicaShard{}, err
	}
	limit, err := m.dd.IntSetting(ctx, SettingMasterShardMax, DefaultMasterShardMax)
	if err != nil {
		return dd.ReplicaShard{}, err
	}
	min := lwm - n
	if min <= limit {
		return dd.ReplicaShard{}, myerrors.NewIntegrityError(myerrors.CodeShardExhausted,
			fmt.Sprintf("cannot allocate %d ids: %d remain above the master range", n, lwm-1-limit))
	}
	if err := m.dd.SetSetting(ctx, SettingShardLWM, min); err != nil {
		return dd.ReplicaShard{}, err
	}
	return m.dd.AddReplicaShard(ctx, replicaID, min, lwm-1)
}

// UpdateReplicaStatus records the last master update a replica applied.
func (m *Master) UpdateReplicaStatus(ctx context.Context, replicaID string, masterUpdate int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, err := m.dd.ReplicaRec(ctx, replicaID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rep.MasterUpdate = masterUpdate
	rep.LastUpdated = &now
	return m.dd.UpdateReplica(ctx, rep)
}

// DropReplica marks a replica as dropped. It becomes dead once its last
// upload has been imported.
func (m *Master) DropReplica(ctx context.Context, replicaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, err := m.dd.ReplicaRec(ctx, replicaID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rep.Dropped = &now
	log.Printf("replication: replica %s dropped", replicaID)
	return m.dd.UpdateReplica(ctx, rep)
}

var _ transport.Master = (*Master)(nil)
