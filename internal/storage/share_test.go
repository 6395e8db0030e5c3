package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestShare(t *testing.T) (*Share, string) {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return NewShare(store), t.TempDir()
}

func TestUpdateNames(t *testing.T) {
	if p := UpdatePath(MasterDir("bravo"), 12); p != "master/bravo/12.zip" {
		t.Errorf("UpdatePath = %q", p)
	}
	tests := []struct {
		name string
		id   int64
		ok   bool
	}{
		{"master/bravo/12.zip", 12, true},
		{"3.zip", 3, true},
		{"index.json", 0, false},
		{"x.zip", 0, false},
		{"0.zip", 0, false},
	}
	for _, tt := range tests {
		id, ok := ParseUpdateName(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("ParseUpdateName(%q) = %d, %v", tt.name, id, ok)
		}
	}
}

func TestPublishAndFetch(t *testing.T) {
	ctx := context.Background()
	share, work := newTestShare(t)
	dir := MasterDir("bravo")

	for id := int64(1); id <= 3; id++ {
		p := writeFile(t, work, UpdateName(id), "update")
		if err := share.Publish(ctx, dir, id, p); err != nil {
			t.Fatalf("Publish %d failed: %v", id, err)
		}
	}
	// Republishing is idempotent for the index.
	if err := share.Publish(ctx, dir, 3, filepath.Join(work, UpdateName(3))); err != nil {
		t.Fatalf("republish failed: %v", err)
	}

	idx, etag, err := share.ReadIndex(ctx, dir)
	if err != nil {
		t.Fatalf("ReadIndex failed: %v", err)
	}
	if etag == "" || len(idx.IDs) != 3 || idx.IDs[2] != 3 {
		t.Errorf("index = %+v (etag %q)", idx, etag)
	}

	pending, err := share.Updates(ctx, dir, 1)
	if err != nil {
		t.Fatalf("Updates failed: %v", err)
	}
	ids := SortedIDs(pending)
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("pending ids = %v", ids)
	}

	local := filepath.Join(t.TempDir(), "in")
	got, err := share.Fetch(ctx, pending, local)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	for id, p := range got {
		if filepath.Base(p) != UpdateName(id) {
			t.Errorf("update %d fetched to %s", id, p)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("fetched file missing: %v", err)
		}
	}

	n, err := share.RemoveDir(ctx, dir)
	if err != nil || n != 4 {
		t.Errorf("RemoveDir = %d, %v; want 4 objects", n, err)
	}
}

func TestBatchDownloaderSkipsPresentFiles(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStorage(t.TempDir())
	src := writeFile(t, t.TempDir(), "f", "content")
	for _, p := range []string{"r/1.zip", "r/2.zip"} {
		if err := store.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}
	dir := t.TempDir()
	writeFile(t, dir, "1.zip", "already here")

	res, err := NewBatchDownloader(store, 2).Download(ctx, []string{"r/1.zip", "r/2.zip", "r/3.zip"}, dir)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if res.CacheHits != 1 || res.Downloads != 1 {
		t.Errorf("cache hits %d, downloads %d", res.CacheHits, res.Downloads)
	}
	if res.Errors["r/3.zip"] != ErrObjectNotFound {
		t.Errorf("missing object error = %v", res.Errors["r/3.zip"])
	}
	if res.Err() == nil {
		t.Error("expected Err to report the failure")
	}
	if _, err := os.Stat(filepath.Join(dir, "3.zip.part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}
