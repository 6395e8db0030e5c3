package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader fetches several update packages in parallel. Files
// already present in the target directory are not downloaded again, so an
// interrupted import resumes without refetching.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// Err returns one of the failures, or nil.
func (r *BatchResult) Err() error {
	for p, err := range r.Errors {
		return fmt.Errorf("storage: failed to fetch %s: %w", p, err)
	}
	return nil
}

// NewBatchDownloader creates a new batch downloader.
func NewBatchDownloader(storage ObjectStorage, concurrency int) *BatchDownloader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchDownloader{storage: storage, concurrency: concurrency}
}

// Download fetches objects into dir, keeping their base names.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string, dir string) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create %s: %w", dir, err)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range objectPaths {
		local := filepath.Join(dir, path.Base(p))
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(p, local string) {
			defer sem.Release(1)
			defer wg.Done()

			// Download into a temporary name so a cancelled fetch is not
			// mistaken for a complete one.
			err := b.storage.Download(ctx, p, local+".part")
			if err == nil {
				err = os.Rename(local+".part", local)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				os.Remove(local + ".part")
				result.Errors[p] = err
				return
			}
			result.LocalPaths[p] = local
			result.Downloads++
		}(p, local)
	}
	wg.Wait()
	return result, nil
}
