package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IndexFile advertises the updates available in a share directory.
const IndexFile = "index.json"

// Index is the content of a directory's index file.
type Index struct {
	IDs     []int64   `json:"ids"`
	Updated time.Time `json:"updated"`
}

// Share lays update packages out in a sync share:
//
//	master/<extract_type>/<id>.zip   master to extracts
//	<replica_id>/<id>.zip            replica to master
type Share struct {
	store       ObjectStorage
	concurrency int
}

// NewShare returns a share over an object store.
func NewShare(store ObjectStorage) *Share {
	return &Share{store: store, concurrency: 4}
}

// Storage returns the underlying object store.
func (s *Share) Storage() ObjectStorage { return s.store }

// MasterDir is the directory of updates published for an extract type.
func MasterDir(extractType string) string { return path.Join("master", extractType) }

// ReplicaDir is the directory of updates uploaded by a replica.
func ReplicaDir(replicaID string) string { return replicaID }

// UpdateName is the file name of update id.
func UpdateName(id int64) string { return strconv.FormatInt(id, 10) + ".zip" }

// UpdatePath is the object path of update id in dir.
func UpdatePath(dir string, id int64) string { return path.Join(dir, UpdateName(id)) }

// ParseUpdateName returns the id of an update file name.
func ParseUpdateName(name string) (int64, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".zip") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(base, ".zip"), 10, 64)
	return id, err == nil && id > 0
}

// Updates returns the object paths of the updates in dir with id > since.
func (s *Share) Updates(ctx context.Context, dir string, since int64) (map[int64]string, error) {
	objects, err := s.store.ListObjects(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list %s: %w", dir, err)
	}
	out := make(map[int64]string)
	for _, o := range objects {
		if path.Dir(o) != path.Clean(dir) {
			continue
		}
		if id, ok := ParseUpdateName(o); ok && id > since {
			out[id] = o
		}
	}
	return out, nil
}

// SortedIDs returns the keys of an update map in ascending order.
func SortedIDs(updates map[int64]string) []int64 {
	ids := make([]int64, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReadIndex returns a directory's index and its tag. A missing index is
// empty with an empty tag.
func (s *Share) ReadIndex(ctx context.Context, dir string) (*Index, string, error) {
	p := path.Join(dir, IndexFile)
	etag, err := s.store.ETag(ctx, p)
	if errors.Is(err, ErrObjectNotFound) {
		return &Index{}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	tmp, err := os.CreateTemp("", "myw-index-*.json")
	if err != nil {
		return nil, "", err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := s.store.Download(ctx, p, tmp.Name()); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, "", err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, "", fmt.Errorf("storage: malformed index %s: %w", p, err)
	}
	return &idx, etag, nil
}

// Publish uploads update id of dir and then adds it to the directory index.
// The package is in place before the index advertises it.
func (s *Share) Publish(ctx context.Context, dir string, id int64, localPath string) error {
	target := UpdatePath(dir, id)
	if err := s.store.Upload(ctx, localPath, target); err != nil {
		return AsMywError("upload", target, err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := s.addToIndex(ctx, dir, id)
		if !errors.Is(err, ErrPreconditionFailed) {
			return err
		}
		log.Printf("storage: index of %s changed concurrently, retrying", dir)
	}
	return fmt.Errorf("storage: failed to update index of %s: %w", dir, ErrPreconditionFailed)
}

func (s *Share) addToIndex(ctx context.Context, dir string, id int64) error {
	idx, etag, err := s.ReadIndex(ctx, dir)
	if err != nil {
		return err
	}
	for _, have := range idx.IDs {
		if have == id {
			return nil
		}
	}
	idx.IDs = append(idx.IDs, id)
	sort.Slice(idx.IDs, func(i, j int) bool { return idx.IDs[i] < idx.IDs[j] })
	idx.Updated = time.Now().UTC()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "myw-index-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.store.ConditionalPut(ctx, tmp.Name(), path.Join(dir, IndexFile), etag)
}

// Fetch downloads updates into localDir and returns their local paths by id.
func (s *Share) Fetch(ctx context.Context, updates map[int64]string, localDir string) (map[int64]string, error) {
	paths := make([]string, 0, len(updates))
	for _, id := range SortedIDs(updates) {
		paths = append(paths, updates[id])
	}
	res, err := NewBatchDownloader(s.store, s.concurrency).Download(ctx, paths, localDir)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(updates))
	for id, p := range updates {
		out[id] = res.LocalPaths[p]
	}
	return out, nil
}

// RemoveDir deletes every object of a directory and returns how many.
func (s *Share) RemoveDir(ctx context.Context, dir string) (int, error) {
	objects, err := s.store.ListObjects(ctx, dir)
	if err != nil {
		return 0, err
	}
	for _, o := range objects {
		if err := s.store.Delete(ctx, o); err != nil {
			return 0, AsMywError("delete", o, err)
		}
	}
	return len(objects), nil
}
