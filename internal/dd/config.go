package dd

import (
	"context"
	"fmt"
	"sort"
	"time"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/pkg/types"
)

func recordTimePtr(r types.Record, col string) *time.Time {
	if r[col] == nil {
		return nil
	}
	t := recordTime(r, col)
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Datasources returns the datasource records.
func (m *Manager) Datasources(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "datasource", "")
}

// DatasourceRec returns a datasource record, or nil.
func (m *Manager) DatasourceRec(ctx context.Context, name string) (types.Record, error) {
	return m.Record(ctx, "datasource", name)
}

// Layers returns the layer records.
func (m *Manager) Layers(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "layer", "")
}

// LayerRec returns a layer record, or nil.
func (m *Manager) LayerRec(ctx context.Context, name string) (types.Record, error) {
	return m.Record(ctx, "layer", name)
}

// LayerFeatureItems returns the feature items of a layer.
func (m *Manager) LayerFeatureItems(ctx context.Context, layer string) ([]types.Record, error) {
	return m.Records(ctx, "layer_feature_item", "layer_name = ?", layer)
}

// LayerGroups returns the layer group records.
func (m *Manager) LayerGroups(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "layer_group", "")
}

// PrivateLayers returns the private layers of an owner, or all when owner is empty.
func (m *Manager) PrivateLayers(ctx context.Context, owner string) ([]types.Record, error) {
	if owner == "" {
		return m.Records(ctx, "private_layer", "")
	}
	return m.Records(ctx, "private_layer", "owner = ?", owner)
}

// Networks returns the network records.
func (m *Manager) Networks(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "network", "")
}

// Applications returns the application records.
func (m *Manager) Applications(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "application", "")
}

// Roles returns the role records.
func (m *Manager) Roles(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "role", "")
}

// Users returns the user records with passwords removed.
func (m *Manager) Users(ctx context.Context) ([]types.Record, error) {
	recs, err := m.Records(ctx, "user", "")
	for _, r := range recs {
		delete(r, "password")
	}
	return recs, err
}

// Groups returns the group records.
func (m *Manager) Groups(ctx context.Context) ([]types.Record, error) {
	return m.Records(ctx, "group", "")
}

// Notifications returns notifications created after a time, newest last.
func (m *Manager) Notifications(ctx context.Context, since time.Time) ([]types.Record, error) {
	if since.IsZero() {
		return m.Records(ctx, "notification", "")
	}
	return m.Records(ctx, "notification", "created > ?", since.UTC())
}

// AddNotification records a notification.
func (m *Manager) AddNotification(ctx context.Context, typ, subject, details string) (int64, error) {
	return m.InsertRecord(ctx, "notification", types.Record{
		"type": typ, "subject": subject, "details": nullString(details), "created": time.Now().UTC(),
	})
}

// TableSetLayer selects a layer's feature types into an extract.
type TableSetLayer struct {
	Layer    string
	OnDemand bool
	Updates  bool
}

// TableSetTileFile selects a tile file into an extract.
type TableSetTileFile struct {
	TileFile string
	OnDemand bool
	Updates  bool
	Clip     bool
	ByLayer  bool
	MinZoom  int
	MaxZoom  int
}

// TableSet selects the content of an extract.
type TableSet struct {
	Name        string
	Description string
	Layers      []TableSetLayer
	TileFiles   []TableSetTileFile
}

// FeatureSelection is a feature type chosen by a table set.
type FeatureSelection struct {
	Datasource string
	Name       string

	// OnDemand features are fetched by the client, not pre-extracted.
	OnDemand bool
	Updates  bool
}

// TableSets returns the names of all table sets.
func (m *Manager) TableSets(ctx context.Context) ([]string, error) {
	recs, err := m.Records(ctx, "table_set", "")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String("name")
	}
	return out, nil
}

// TableSetRec returns a table set with its items.
func (m *Manager) TableSetRec(ctx context.Context, name string) (*TableSet, error) {
	r, err := m.Record(ctx, "table_set", name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("no such table set: %s", name))
	}
	ts := &TableSet{Name: name, Description: r.String("description")}
	layers, err := m.Records(ctx, "table_set_layer_item", "table_set_name = ?", name)
	if err != nil {
		return nil, err
	}
	for _, l := range layers {
		ts.Layers = append(ts.Layers, TableSetLayer{
			Layer: l.String("layer_name"), OnDemand: l.Bool("on_demand"), Updates: l.Bool("updates"),
		})
	}
	files, err := m.Records(ctx, "table_set_tile_file_item", "table_set_name = ?", name)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		ts.TileFiles = append(ts.TileFiles, TableSetTileFile{
			TileFile: f.String("tile_file"), OnDemand: f.Bool("on_demand"), Updates: f.Bool("updates"),
			Clip: f.Bool("clip"), ByLayer: f.Bool("by_layer"),
			MinZoom: int(f.Int("min_zoom")), MaxZoom: int(f.Int("max_zoom")),
		})
	}
	return ts, nil
}

// TableSetFeatureTypes resolves the feature types selected by a table set's
// layers. A feature reachable through several layers is pre-extracted if any
// of them is.
func (m *Manager) TableSetFeatureTypes(ctx context.Context, ts *TableSet) ([]FeatureSelection, error) {
	byKey := make(map[string]*FeatureSelection)
	for _, l := range ts.Layers {
		items, err := m.LayerFeatureItems(ctx, l.Layer)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			k := it.String("datasource_name") + "/" + it.String("feature_name")
			sel, ok := byKey[k]
			if !ok {
				sel = &FeatureSelection{
					Datasource: it.String("datasource_name"), Name: it.String("feature_name"),
					OnDemand: true,
				}
				byKey[k] = sel
			}
			sel.OnDemand = sel.OnDemand && l.OnDemand
			sel.Updates = sel.Updates || l.Updates
		}
	}
	out := make([]FeatureSelection, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Datasource != out[j].Datasource {
			return out[i].Datasource < out[j].Datasource
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ExtractRec is a row of the extract table.
type ExtractRec struct {
	Name          string
	Region        string
	TableSet      string
	IncludeDeltas bool
	LastExportID  int64
	WritableBy    string
	ExpiryTime    *time.Time
}

func extractFrom(r types.Record) *ExtractRec {
	return &ExtractRec{
		Name:          r.String("name"),
		Region:        r.String("region"),
		TableSet:      r.String("table_set"),
		IncludeDeltas: r.Bool("include_deltas"),
		LastExportID:  r.Int("last_export_id"),
		WritableBy:    r.String("writable_by"),
		ExpiryTime:    recordTimePtr(r, "expiry_time"),
	}
}

// Extracts returns the extract definitions.
func (m *Manager) Extracts(ctx context.Context) ([]*ExtractRec, error) {
	recs, err := m.Records(ctx, "extract", "")
	if err != nil {
		return nil, err
	}
	out := make([]*ExtractRec, len(recs))
	for i, r := range recs {
		out[i] = extractFrom(r)
	}
	return out, nil
}

// ExtractRec returns an extract definition, or nil.
func (m *Manager) ExtractRec(ctx context.Context, name string) (*ExtractRec, error) {
	r, err := m.Record(ctx, "extract", name)
	if err != nil || r == nil {
		return nil, err
	}
	return extractFrom(r), nil
}

// SetExtract stores an extract definition.
func (m *Manager) SetExtract(ctx context.Context, e *ExtractRec) error {
	return m.UpsertRecord(ctx, "extract", types.Record{
		"name":           e.Name,
		"region":         nullString(e.Region),
		"table_set":      nullString(e.TableSet),
		"include_deltas": e.IncludeDeltas,
		"last_export_id": e.LastExportID,
		"writable_by":    nullString(e.WritableBy),
		"expiry_time":    timeOrNil(e.ExpiryTime),
	})
}

// DropExtract removes an extract definition.
func (m *Manager) DropExtract(ctx context.Context, name string) error {
	_, err := m.DeleteRecords(ctx, "extract", "name = ?", name)
	return err
}

// ReplicaRec is a registered replica.
type ReplicaRec struct {
	ID             string
	Type           string
	Location       string
	Owner          string
	Registered     time.Time
	LastUpdated    *time.Time
	MasterUpdate   int64
	LastImport     int64
	LastImportTime *time.Time
	Dropped        *time.Time
	Dead           bool
}

func replicaFrom(r types.Record) *ReplicaRec {
	return &ReplicaRec{
		ID:             r.String("id"),
		Type:           r.String("type"),
		Location:       r.String("location"),
		Owner:          r.String("owner"),
		Registered:     recordTime(r, "registered"),
		LastUpdated:    recordTimePtr(r, "last_updated"),
		MasterUpdate:   r.Int("master_update"),
		LastImport:     r.Int("last_import"),
		LastImportTime: recordTimePtr(r, "last_import_time"),
		Dropped:        recordTimePtr(r, "dropped"),
		Dead:           r.Bool("dead"),
	}
}

func (r *ReplicaRec) record() types.Record {
	reg := r.Registered
	if reg.IsZero() {
		reg = time.Now()
	}
	return types.Record{
		"id":               r.ID,
		"type":             nullString(r.Type),
		"location":         nullString(r.Location),
		"owner":            nullString(r.Owner),
		"registered":       reg.UTC(),
		"last_updated":     timeOrNil(r.LastUpdated),
		"master_update":    r.MasterUpdate,
		"last_import":      r.LastImport,
		"last_import_time": timeOrNil(r.LastImportTime),
		"dropped":          timeOrNil(r.Dropped),
		"dead":             r.Dead,
	}
}

// Replicas returns the registered replicas, optionally including dead ones.
func (m *Manager) Replicas(ctx context.Context, includeDead bool) ([]*ReplicaRec, error) {
	recs, err := m.Records(ctx, "replica", "")
	if err != nil {
		return nil, err
	}
	var out []*ReplicaRec
	for _, r := range recs {
		rep := replicaFrom(r)
		if rep.Dead && !includeDead {
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

// ReplicaRec returns a replica. Raises IntegrityError REPLICA_NOT_FOUND.
func (m *Manager) ReplicaRec(ctx context.Context, id string) (*ReplicaRec, error) {
	r, err := m.Record(ctx, "replica", id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, myerrors.NewIntegrityError(myerrors.CodeReplicaNotFound, fmt.Sprintf("no such replica: %s", id))
	}
	return replicaFrom(r), nil
}

// CreateReplica registers a replica. Raises IntegrityError
// DUPLICATE_REGISTRATION when the id is taken.
func (m *Manager) CreateReplica(ctx context.Context, rep *ReplicaRec) error {
	existing, err := m.Record(ctx, "replica", rep.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return myerrors.NewIntegrityError(myerrors.CodeDuplicateRegistration, fmt.Sprintf("replica %s already registered", rep.ID))
	}
	_, err = m.InsertRecord(ctx, "replica", rep.record())
	return err
}

// UpdateReplica stores the state of a replica.
func (m *Manager) UpdateReplica(ctx context.Context, rep *ReplicaRec) error {
	found, err := m.UpdateRecord(ctx, "replica", rep.record())
	if err == nil && !found {
		return myerrors.NewIntegrityError(myerrors.CodeReplicaNotFound, fmt.Sprintf("no such replica: %s", rep.ID))
	}
	return err
}

// DeleteReplica removes a replica and its shards.
func (m *Manager) DeleteReplica(ctx context.Context, id string) error {
	return m.s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.DeleteRecords(ctx, "replica_shard", "replica_id = ?", id); err != nil {
			return err
		}
		_, err := m.DeleteRecords(ctx, "replica", "id = ?", id)
		return err
	})
}

// ReplicaShard is an id range handed out to a replica.
type ReplicaShard struct {
	ReplicaID string
	Seq       int64
	Min       int64
	Max       int64
}

// ReplicaShards returns the shards of a replica, or of all replicas when id
// is empty.
func (m *Manager) ReplicaShards(ctx context.Context, id string) ([]ReplicaShard, error) {
	where, args := "", []interface{}{}
	if id != "" {
		where, args = "replica_id = ?", append(args, id)
	}
	recs, err := m.Records(ctx, "replica_shard", where, args...)
	if err != nil {
		return nil, err
	}
	out := make([]ReplicaShard, len(recs))
	for i, r := range recs {
		out[i] = ReplicaShard{ReplicaID: r.String("replica_id"), Seq: r.Int("seq"), Min: r.Int("min_id"), Max: r.Int("max_id")}
	}
	return out, nil
}

// AddReplicaShard records a shard as the next of its replica.
func (m *Manager) AddReplicaShard(ctx context.Context, id string, min, max int64) (ReplicaShard, error) {
	shards, err := m.ReplicaShards(ctx, id)
	if err != nil {
		return ReplicaShard{}, err
	}
	sh := ReplicaShard{ReplicaID: id, Seq: int64(len(shards)) + 1, Min: min, Max: max}
	_, err = m.InsertRecord(ctx, "replica_shard", types.Record{
		"replica_id": id, "seq": sh.Seq, "min_id": min, "max_id": max,
	})
	return sh, err
}
