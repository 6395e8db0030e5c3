package transport_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	synchttp "github.com/myworld/mywdb/internal/api/http"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/transport"
)

type fakeMaster struct {
	mu       sync.Mutex
	next     int64
	statuses map[string]int64
}

func (m *fakeMaster) RegisterReplica(ctx context.Context, extractType, owner, location string, nIDs int64) (*transport.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	hi := int64(1<<31) - 1 - (m.next-1)*nIDs
	return &transport.Registration{ReplicaID: "replica" + string(rune('0'+m.next)), ShardMin: hi - nIDs + 1, ShardMax: hi}, nil
}

func (m *fakeMaster) UpdateReplicaStatus(ctx context.Context, replicaID string, masterUpdate int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if replicaID == "ghost" {
		return myerrors.NewIntegrityError(myerrors.CodeReplicaNotFound, "no such replica: ghost")
	}
	m.statuses[replicaID] = masterUpdate
	return nil
}

type fixture struct {
	share  *storage.Share
	master *fakeMaster
	work   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return &fixture{
		share:  storage.NewShare(store),
		master: &fakeMaster{statuses: make(map[string]int64)},
		work:   t.TempDir(),
	}
}

func (f *fixture) httpTransport(t *testing.T, chunk int64) *transport.HTTP {
	t.Helper()
	srv := httptest.NewServer(synchttp.NewSyncHandler(f.share, f.master).Routes())
	t.Cleanup(srv.Close)
	cfg := transport.DefaultHTTPConfig(srv.URL)
	cfg.ChunkSize = chunk
	cfg.MaxRetries = 0
	tr, err := transport.NewHTTP(cfg)
	require.NoError(t, err)
	return tr
}

func writeUpdate(t *testing.T, dir string, id int64, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, storage.UpdateName(id)), []byte(content), 0644))
}

// exercise runs the same conversation against any transport.
func exercise(t *testing.T, f *fixture, tr transport.Transport) {
	ctx := context.Background()

	reg, err := tr.Register(ctx, "bravo", "u1", "l", 100000)
	require.NoError(t, err)
	assert.Equal(t, "replica1", reg.ReplicaID)
	assert.Equal(t, int64(1<<31)-100000, reg.ShardMin)
	assert.Equal(t, int64(1<<31)-1, reg.ShardMax)

	content := strings.Repeat("0123456789", 50)
	writeUpdate(t, f.work, 1, content)
	writeUpdate(t, f.work, 2, "second")
	dir := storage.ReplicaDir(reg.ReplicaID)
	require.NoError(t, tr.UploadFile(ctx, dir, f.work, storage.UpdateName(1)))
	require.NoError(t, tr.UploadFile(ctx, dir, f.work, storage.UpdateName(2)))

	pending, err := tr.PendingUpdates(ctx, 0, dir)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, storage.SortedIDs(pending))
	pending, err = tr.PendingUpdates(ctx, 1, dir)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, storage.SortedIDs(pending))

	idx, _, err := f.share.ReadIndex(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, idx.IDs)

	local, err := tr.DownloadFile(ctx, dir, filepath.Join(t.TempDir(), "in"), storage.UpdateName(1))
	require.NoError(t, err)
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	_, err = tr.DownloadFile(ctx, dir, t.TempDir(), storage.UpdateName(9))
	assert.Error(t, err)

	require.NoError(t, tr.UpdateReplicaStatus(ctx, reg.ReplicaID, 7))
	assert.Equal(t, int64(7), f.master.statuses[reg.ReplicaID])
}

func TestDirectTransport(t *testing.T) {
	f := newFixture(t)
	exercise(t, f, transport.NewDirect(f.share, f.master))

	_, err := transport.NewDirect(f.share, f.master).DownloadFile(context.Background(), "replica1", t.TempDir(), "9.zip")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeMissingFile))

	_, err = transport.NewDirect(f.share, nil).Register(context.Background(), "bravo", "u", "l", 10)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeInvalidReplica))
}

func TestHTTPTransport(t *testing.T) {
	f := newFixture(t)
	// A chunk smaller than the file exercises chunked download.
	exercise(t, f, f.httpTransport(t, 64))
}

func TestHTTPTransportStatusErrors(t *testing.T) {
	f := newFixture(t)
	tr := f.httpTransport(t, 1024)
	ctx := context.Background()

	err := tr.UpdateReplicaStatus(ctx, "ghost", 1)
	require.Error(t, err)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeHTTPStatus))
	assert.False(t, myerrors.IsRetryable(err))

	_, err = tr.DownloadFile(ctx, "../etc", t.TempDir(), "passwd")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeHTTPStatus))
}

func TestHTTPTransportRejectsBadURL(t *testing.T) {
	_, err := transport.NewHTTP(transport.HTTPConfig{})
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadValue))
}
