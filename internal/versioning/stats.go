package versioning

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// Stats counts delta rows per delta, feature type and change type.
type Stats map[string]map[string]map[types.ChangeType]int

// DeltaStats counts the delta rows of every versioned feature type for the
// deltas whose names match a glob. An empty spec matches every delta.
func DeltaStats(ctx context.Context, s *driver.Session, nameSpec string) (Stats, error) {
	recs, err := dd.NewManager(s).FeatureTypes(ctx, dd.DefaultDatasource, "", true)
	if err != nil {
		return nil, err
	}
	q := s.Driver().QuoteIdent
	out := make(Stats)
	for _, rec := range recs {
		rows, err := s.Records(ctx, fmt.Sprintf("SELECT %s AS delta, %s AS change_type, count(*) AS n FROM %s GROUP BY %s, %s",
			q(schema.DeltaColumn), q(schema.ChangeTypeColumn), s.TableName(types.SchemaDelta, rec.TableName()),
			q(schema.DeltaColumn), q(schema.ChangeTypeColumn)))
		if err != nil {
			return nil, fmt.Errorf("versioning: failed to count deltas of %s: %w", rec.Name, err)
		}
		for _, r := range rows {
			delta := r.String("delta")
			if nameSpec != "" {
				ok, err := path.Match(nameSpec, delta)
				if err != nil {
					return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad delta spec %q", nameSpec))
				}
				if !ok {
					continue
				}
			}
			if out[delta] == nil {
				out[delta] = make(map[string]map[types.ChangeType]int)
			}
			if out[delta][rec.Name] == nil {
				out[delta][rec.Name] = make(map[types.ChangeType]int)
			}
			out[delta][rec.Name][types.ChangeType(r.String("change_type"))] += int(r.Int("n"))
		}
	}
	return out, nil
}

// Deltas returns the names in a stats map, sorted.
func (st Stats) Deltas() []string {
	out := make([]string, 0, len(st))
	for d := range st {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DeltaKey identifies a row of a versioned companion table.
type DeltaKey struct {
	Delta string
	ID    string
}

// DeltaChanges returns the net change per (delta, id) recorded in the
// delta or base transaction log for a feature table after a version.
// An insert followed by a delete cancels out.
func DeltaChanges(ctx context.Context, s *driver.Session, featureTable string, since int64, schemaName string) (map[DeltaKey]types.ChangeType, error) {
	var logTable string
	switch schemaName {
	case types.SchemaDelta:
		logTable = "delta_transaction_log"
	case types.SchemaBase:
		logTable = "base_transaction_log"
	default:
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("no delta change log for schema %q", schemaName))
	}
	rows, err := s.Records(ctx, "SELECT operation, feature_id, delta FROM "+s.TableName(types.SchemaMyw, logTable)+
		" WHERE feature_type = ? AND version > ? ORDER BY id", featureTable, since)
	if err != nil {
		return nil, fmt.Errorf("versioning: failed to read %s: %w", logTable, err)
	}
	out := make(map[DeltaKey]types.ChangeType)
	for _, r := range rows {
		ct, err := types.ParseChangeType(r.String("operation"))
		if err != nil {
			return nil, err
		}
		k := DeltaKey{Delta: r.String("delta"), ID: r.String("feature_id")}
		prev, seen := out[k]
		if !seen {
			out[k] = ct
			continue
		}
		merged, keep := prev.Merge(ct)
		if !keep {
			delete(out, k)
			continue
		}
		out[k] = merged
	}
	return out, nil
}
