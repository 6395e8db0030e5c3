// Package transport moves update packages and replica registrations
// between a master and the databases it feeds. Direct works on a sync share
// and a master database reachable from the process; HTTP talks to the sync
// REST surface of a myWorld server.
package transport

import (
	"context"
)

// Registration is the outcome of registering a replica with the master.
type Registration struct {
	ReplicaID string `json:"replica_id"`
	ShardMin  int64  `json:"shard_min"`
	ShardMax  int64  `json:"shard_max"`
}

// Transport is the replica side view of the master.
type Transport interface {
	// Register records a new replica of an extract type and allocates it
	// an id shard of nIDs values.
	Register(ctx context.Context, extractType, owner, location string, nIDs int64) (*Registration, error)

	// PendingUpdates returns the update files of a share directory with id
	// greater than sinceID, keyed by id.
	PendingUpdates(ctx context.Context, sinceID int64, remoteDir string) (map[int64]string, error)

	// DownloadFile copies remoteDir/fileName to localDir and returns the
	// local path.
	DownloadFile(ctx context.Context, remoteDir, localDir, fileName string) (string, error)

	// UploadFile copies localDir/fileName to remoteDir.
	UploadFile(ctx context.Context, remoteDir, localDir, fileName string) error

	// UpdateReplicaStatus records the last master update applied by a replica.
	UpdateReplicaStatus(ctx context.Context, replicaID string, masterUpdate int64) error
}

// Master is the master database side of replica management, as served to
// transports.
type Master interface {
	RegisterReplica(ctx context.Context, extractType, owner, location string, nIDs int64) (*Registration, error)
	UpdateReplicaStatus(ctx context.Context, replicaID string, masterUpdate int64) error
}

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	ExtractType string `json:"extract_type"`
	Owner       string `json:"owner"`
	Location    string `json:"location"`
	NIDs        int64  `json:"n_ids"`
}

// StatusRequest is the body of a replica status call.
type StatusRequest struct {
	MasterUpdate int64 `json:"master_update"`
}

// UpdatesResponse lists pending update files by id.
type UpdatesResponse struct {
	Updates map[int64]string `json:"updates"`
}

// CSRFResponse carries a CSRF token.
type CSRFResponse struct {
	Token string `json:"csrf_token"`
}

// Header names and encodings of the sync REST surface.
const (
	CSRFHeader      = "X-CSRF-Token"
	TotalSizeHeader = "X-Total-Size"
	SnappyEncoding  = "snappy"
)
