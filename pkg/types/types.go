// Package types provides values shared across the myWorld database core.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Physical schema names.
const (
	SchemaMyw   = "myw"
	SchemaData  = "data"
	SchemaDelta = "delta"
	SchemaBase  = "base"
)

// ChangeType identifies the kind of write recorded in change logs and delta rows.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ParseChangeType converts a stored change type to a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(s))) {
	case ChangeInsert:
		return ChangeInsert, nil
	case ChangeUpdate:
		return ChangeUpdate, nil
	case ChangeDelete:
		return ChangeDelete, nil
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// Merge folds a later change into an earlier one for the same record.
// The second return value is false when the pair cancels out (insert then delete).
func (c ChangeType) Merge(later ChangeType) (ChangeType, bool) {
	switch {
	case c == ChangeInsert && later == ChangeDelete:
		return "", false
	case c == ChangeInsert:
		return ChangeInsert, true
	case c == ChangeDelete && later == ChangeInsert:
		return ChangeUpdate, true
	default:
		return later, true
	}
}

// Well-known version stamp components.
const (
	ComponentData         = "data"
	ComponentSchema       = "myw_schema"
	ComponentServerConfig = "myw_server_config"
	ComponentUserConfig   = "myw_user_config"
	ComponentMasterUpdate = "master_update"
	ComponentMasterData   = "master_data"

	// ComponentMasterUpdateApplied marks an imported update whose staging
	// files may be removed.
	ComponentMasterUpdateApplied = "master_update_applied"

	// ComponentReplicaUpload counts packages uploaded by a replica.
	ComponentReplicaUpload = "replica_upload"
)

// ReplicaDataComponent returns the stamp component holding a replica's data version.
func ReplicaDataComponent(replicaID string) string {
	return replicaID + "_data"
}

// VersionStamp is a named monotonically increasing version.
type VersionStamp struct {
	Component string    `json:"component"`
	Version   int64     `json:"version"`
	Date      time.Time `json:"date"`
}

// Checkpoint maps a logical name to a data version.
type Checkpoint struct {
	Name    string    `json:"name"`
	Version int64     `json:"version"`
	Date    time.Time `json:"date"`
}

// Record is a table row keyed by column name.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value of a column as a string, or "" if absent or NULL.
func (r Record) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value of a column as an int64.
func (r Record) Int(col string) int64 {
	switch t := r[col].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case []byte:
		var n int64
		fmt.Sscan(string(t), &n)
		return n
	case string:
		var n int64
		fmt.Sscan(t, &n)
		return n
	}
	return 0
}

// Bool returns the value of a column as a boolean.
func (r Record) Bool(col string) bool {
	switch t := r[col].(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(t) {
		case "true", "t", "1", "yes", "y":
			return true
		}
	case []byte:
		switch strings.ToLower(string(t)) {
		case "true", "t", "1", "yes", "y":
			return true
		}
	}
	return false
}

// ExcludedSettings are settings whose changes are never propagated between databases.
var ExcludedSettings = []string{
	"replication.extract_type",
	"replication.replica_id",
	"replication.replica_id_hwm",
	"replication.replica_shard_lwm",
	"replication.sync_root",
	"replication.master_shard_max",
}

// IsExcludedSetting reports whether a setting is site-local.
func IsExcludedSetting(name string) bool {
	for _, s := range ExcludedSettings {
		if s == name {
			return true
		}
	}
	return false
}
