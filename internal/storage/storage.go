// Package storage holds the sync share: the tree of zipped update packages
// exchanged between a master and its extracts and replicas. Objects live on
// the local filesystem or in an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"

	myerrors "github.com/myworld/mywdb/internal/errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrDownloadFailed     = errors.New("download failed")
	ErrDeleteFailed       = errors.New("delete failed")
)

// ObjectStorage stores the objects of a sync share under slash-separated
// paths relative to the share root.
type ObjectStorage interface {
	// Upload copies a local file to objectPath, replacing any existing object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies an object to localPath, creating parent directories.
	// Returns ErrObjectNotFound when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// ETag returns the entity tag of an object, or ErrObjectNotFound.
	ETag(ctx context.Context, objectPath string) (string, error)

	// ConditionalPut uploads only if the object's current tag is etag. An
	// empty etag requires the object not to exist. Returns
	// ErrPreconditionFailed otherwise.
	ConditionalPut(ctx context.Context, localPath, objectPath, etag string) error

	// ListObjects returns all object paths under a prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{PartSize: 5 * 1024 * 1024}
}

// AsMywError converts a storage failure into a STORAGE category error.
func AsMywError(op, objectPath string, err error) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s %s", op, objectPath)
	switch {
	case errors.Is(err, ErrObjectNotFound):
		return myerrors.NewStorageError(myerrors.CodeObjectNotFound, msg, err)
	case errors.Is(err, ErrUploadFailed):
		return myerrors.NewStorageError(myerrors.CodeUploadFailed, msg, err)
	case errors.Is(err, ErrDownloadFailed):
		return myerrors.NewStorageError(myerrors.CodeDownloadFailed, msg, err)
	}
	return fmt.Errorf("storage: %s: %w", msg, err)
}
