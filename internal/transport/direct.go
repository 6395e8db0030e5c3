package transport

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/storage"
)

// Direct reads and writes the sync share itself and calls the master
// database in process.
type Direct struct {
	share  *storage.Share
	master Master
}

// NewDirect returns a direct transport. master may be nil for a replica
// that only reads the share.
func NewDirect(share *storage.Share, master Master) *Direct {
	return &Direct{share: share, master: master}
}

func (d *Direct) masterOrErr() (Master, error) {
	if d.master == nil {
		return nil, myerrors.NewSyncError(myerrors.CodeInvalidReplica, "direct transport has no master database", nil)
	}
	return d.master, nil
}

func (d *Direct) Register(ctx context.Context, extractType, owner, location string, nIDs int64) (*Registration, error) {
	m, err := d.masterOrErr()
	if err != nil {
		return nil, err
	}
	return m.RegisterReplica(ctx, extractType, owner, location, nIDs)
}

func (d *Direct) PendingUpdates(ctx context.Context, sinceID int64, remoteDir string) (map[int64]string, error) {
	return d.share.Updates(ctx, remoteDir, sinceID)
}

func (d *Direct) DownloadFile(ctx context.Context, remoteDir, localDir, fileName string) (string, error) {
	local := filepath.Join(localDir, fileName)
	src := path.Join(remoteDir, fileName)
	if err := d.share.Storage().Download(ctx, src, local); err != nil {
		if err == storage.ErrObjectNotFound {
			return "", myerrors.NewSyncError(myerrors.CodeMissingFile, fmt.Sprintf("no such sync file: %s", src), err)
		}
		return "", storage.AsMywError("download", src, err)
	}
	return local, nil
}

// UploadFile publishes an update package so the directory index lists it.
// Other files are copied as they are.
func (d *Direct) UploadFile(ctx context.Context, remoteDir, localDir, fileName string) error {
	local := filepath.Join(localDir, fileName)
	if id, ok := storage.ParseUpdateName(fileName); ok {
		return d.share.Publish(ctx, remoteDir, id, local)
	}
	dst := path.Join(remoteDir, fileName)
	return storage.AsMywError("upload", dst, d.share.Storage().Upload(ctx, local, dst))
}

func (d *Direct) UpdateReplicaStatus(ctx context.Context, replicaID string, masterUpdate int64) error {
	m, err := d.masterOrErr()
	if err != nil {
		return err
	}
	return m.UpdateReplicaStatus(ctx, replicaID, masterUpdate)
}

var _ Transport = (*Direct)(nil)
