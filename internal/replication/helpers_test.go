package replication

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/upgrade"
	"github.com/myworld/mywdb/pkg/types"
)

func openSession(t *testing.T, path string) *driver.Session {
	t.Helper()
	s, err := driver.Open(context.Background(), driver.DialectSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newShare(t *testing.T) *storage.Share {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return storage.NewShare(store)
}

func testOptions(t *testing.T) Options {
	return Options{WorkDir: t.TempDir(), TileDir: t.TempDir()}
}

func pipeDescriptor() *dd.FeatureDescriptor {
	return &dd.FeatureDescriptor{
		Datasource:   dd.DefaultDatasource,
		Name:         "pipe",
		ExternalName: "Pipe",
		Title:        "Pipe [id]",
		Fields: []*dd.FieldDesc{
			{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
			{Name: "owner", Type: "string(50)"},
			{Name: "the_geom", Type: "point"},
		},
	}
}

// newTestMaster returns a master database holding the pipe feature type.
func newTestMaster(t *testing.T, share *storage.Share) *Master {
	t.Helper()
	ctx := context.Background()
	s := openSession(t, filepath.Join(t.TempDir(), "master.db"))
	require.NoError(t, upgrade.InstallCore(ctx, s))
	_, err := dd.NewManager(s).CreateFeatureType(ctx, pipeDescriptor())
	require.NoError(t, err)
	return NewMaster(s, share, testOptions(t))
}

func insertPipe(t *testing.T, s *driver.Session, owner string, x, y float64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.NextSequenceValue(ctx, types.SchemaData, "pipe", "id")
	require.NoError(t, err)
	g, err := s.CanonicaliseGeometry(fmt.Sprintf("POINT(%g %g)", x, y))
	require.NoError(t, err)
	_, err = s.Exec(ctx, "INSERT INTO "+s.TableName(types.SchemaData, "pipe")+" (id, owner, the_geom) VALUES (?, ?, ?)",
		id, owner, g)
	require.NoError(t, err)
	return id
}

func pipeOwner(t *testing.T, s *driver.Session, id int64) string {
	t.Helper()
	r, err := s.Record(context.Background(), "SELECT owner FROM "+s.TableName(types.SchemaData, "pipe")+" WHERE id = ?", id)
	require.NoError(t, err)
	if r == nil {
		return ""
	}
	return r.String("owner")
}

func countPipes(t *testing.T, s *driver.Session) int64 {
	t.Helper()
	n, err := s.Count(context.Background(), types.SchemaData, "pipe")
	require.NoError(t, err)
	return n
}

// newTestExtract cuts an extract of type field from the master and opens
// it as a replica engine talking to the master directly.
func newTestExtract(t *testing.T, m *Master, region string) (*Replica, *ExtractResult) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "field.db")
	res, err := m.CreateExtract(context.Background(), ExtractOptions{Type: "field", Region: region, Path: path})
	require.NoError(t, err)
	s := openSession(t, path)
	return NewReplica(s, m.tr, testOptions(t)), res
}
