package replication

import (
	"context"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
)

func addExtractType(t *testing.T, m *Master, name string) {
	t.Helper()
	require.NoError(t, m.dd.SetExtract(context.Background(), &dd.ExtractRec{Name: name}))
}

func TestRegisterReplicaAllocatesBelowLowWaterMark(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, newShare(t))
	addExtractType(t, m, "field")

	reg, err := m.RegisterReplica(ctx, "field", "alice", "laptop", 100000)
	require.NoError(t, err)
	assert.Equal(t, "replica1", reg.ReplicaID)
	assert.Equal(t, int64(1<<31-100000), reg.ShardMin)
	assert.Equal(t, int64(1<<31-1), reg.ShardMax)

	lwm, err := m.dd.IntSetting(ctx, SettingShardLWM, 0)
	require.NoError(t, err)
	assert.Equal(t, reg.ShardMin, lwm)

	reg2, err := m.RegisterReplica(ctx, "field", "bob", "tablet", 10)
	require.NoError(t, err)
	assert.Equal(t, "replica2", reg2.ReplicaID)
	assert.Equal(t, reg.ShardMin-1, reg2.ShardMax)
	assert.Equal(t, reg.ShardMin-10, reg2.ShardMin)

	rep, err := m.dd.ReplicaRec(ctx, "replica1")
	require.NoError(t, err)
	assert.Equal(t, "field", rep.Type)
	assert.Equal(t, "alice", rep.Owner)
	shards, err := m.dd.ReplicaShards(ctx, "replica1")
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, reg.ShardMax, shards[0].Max)
}

func TestRegisterReplicaUnknownType(t *testing.T) {
	m := newTestMaster(t, newShare(t))
	_, err := m.RegisterReplica(context.Background(), "nothing", "alice", "laptop", 10)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadValue))
}

func TestAllocateShardExhausted(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, newShare(t))
	addExtractType(t, m, "field")
	require.NoError(t, m.dd.SetSetting(ctx, SettingShardLWM, 1000))
	require.NoError(t, m.dd.SetSetting(ctx, SettingMasterShardMax, 900))

	reg, err := m.RegisterReplica(ctx, "field", "alice", "laptop", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(950), reg.ShardMin)

	_, err = m.AllocateShard(ctx, reg.ReplicaID, 50)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryIntegrity, myerrors.CodeShardExhausted))

	lwm, err := m.dd.IntSetting(ctx, SettingShardLWM, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(950), lwm, "a failed allocation must not move the low water mark")

	sh, err := m.AllocateShard(ctx, reg.ReplicaID, 49)
	require.NoError(t, err)
	assert.Equal(t, int64(901), sh.Min)
	assert.Equal(t, int64(949), sh.Max)
}

func TestAllocateShardBadSize(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, newShare(t))
	addExtractType(t, m, "field")
	reg, err := m.RegisterReplica(ctx, "field", "alice", "laptop", 10)
	require.NoError(t, err)
	_, err = m.AllocateShard(ctx, reg.ReplicaID, 0)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadValue))
}

func TestShardsAreDisjoint(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)
	properties.Property("shards never overlap and stay above the master range", prop.ForAll(
		func(sizes []int64) bool {
			ctx := context.Background()
			m := newTestMaster(t, newShare(t))
			if err := m.dd.SetExtract(ctx, &dd.ExtractRec{Name: "field"}); err != nil {
				return false
			}
			reg, err := m.RegisterReplica(ctx, "field", "alice", "laptop", 1)
			if err != nil {
				return false
			}
			for _, n := range sizes {
				if _, err := m.AllocateShard(ctx, reg.ReplicaID, n); err != nil {
					return false
				}
			}
			shards, err := m.dd.ReplicaShards(ctx, reg.ReplicaID)
			if err != nil || len(shards) != len(sizes)+1 {
				return false
			}
			sort.Slice(shards, func(i, j int) bool { return shards[i].Min < shards[j].Min })
			for i, sh := range shards {
				if sh.Min > sh.Max || sh.Min <= DefaultMasterShardMax || sh.Max >= DefaultShardLWM {
					return false
				}
				if i > 0 && shards[i-1].Max >= sh.Min {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.Int64Range(1, 1000000)),
	))
	properties.TestingRun(t)
}

func TestDropReplica(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, newShare(t))
	addExtractType(t, m, "field")
	reg, err := m.RegisterReplica(ctx, "field", "alice", "laptop", 10)
	require.NoError(t, err)

	require.NoError(t, m.DropReplica(ctx, reg.ReplicaID))
	rep, err := m.dd.ReplicaRec(ctx, reg.ReplicaID)
	require.NoError(t, err)
	assert.NotNil(t, rep.Dropped)
	assert.False(t, rep.Dead)
}
