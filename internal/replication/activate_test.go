package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/pkg/types"
)

func TestActivateLeavesExternalSnapshotsAlone(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, newShare(t))
	rep, _ := newTestExtract(t, m, "")
	s := rep.Session()

	desc := &dd.FeatureDescriptor{Datasource: "esri", Name: "parcel", Fields: []*dd.FieldDesc{
		{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
		{Name: "name", Type: "string(50)"},
	}}
	_, err := rep.DD().RegisterFeatureType(ctx, desc)
	require.NoError(t, err)
	tbl, err := desc.Table(types.SchemaData)
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(ctx, tbl))
	require.NoError(t, s.SetSequenceRange(ctx, types.SchemaData, "esri_parcel", "id", 1, 1000))

	_, err = rep.Activate(ctx, "eve", "tablet")
	require.NoError(t, err)

	min, max, err := s.SequenceRange(ctx, types.SchemaData, "esri_parcel", "id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), min)
	assert.Equal(t, int64(1000), max)

	min, _, err = s.SequenceRange(ctx, types.SchemaData, "pipe", "id")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultShardLWM-DefaultShardSize), min)
}
