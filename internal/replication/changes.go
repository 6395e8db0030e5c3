package replication

import (
	"context"
	"sort"

	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/pkg/types"
)

// FeatureChange is the net change to one record over a version window.
type FeatureChange struct {
	ID     string
	Change types.ChangeType
}

// FeatureChanges returns the net change per record of a feature table
// logged after since and up to until (unbounded when until is 0), in id
// order. An insert followed by a delete cancels out.
func (e *Engine) FeatureChanges(ctx context.Context, table string, since, until int64) ([]FeatureChange, error) {
	where, args := "feature_type = ? AND version > ?", []interface{}{table, since}
	if until > 0 {
		where, args = where+" AND version <= ?", append(args, until)
	}
	recs, err := e.dd.Records(ctx, "transaction_log", where, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.ChangeType)
	for _, r := range recs {
		op, err := types.ParseChangeType(r.String("operation"))
		if err != nil {
			return nil, err
		}
		id := r.String("feature_id")
		prev, seen := byID[id]
		if !seen {
			byID[id] = op
			continue
		}
		if merged, keep := prev.Merge(op); keep {
			byID[id] = merged
		} else {
			delete(byID, id)
		}
	}
	out := make([]FeatureChange, 0, len(byID))
	for id, ch := range byID {
		out = append(out, FeatureChange{ID: id, Change: ch})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].ID) != len(out[j].ID) {
			return len(out[i].ID) < len(out[j].ID)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasChangesSince reports whether anything an export would carry changed
// after a version: feature records of the given tables (all when empty),
// configuration other than excluded settings, or the tiles of the given
// stores after their own versions.
func (e *Engine) HasChangesSince(ctx context.Context, version int64, featureTables []string, tiles map[tilestore.Store]int64) (bool, error) {
	where, args := "version > ?", []interface{}{version}
	if len(featureTables) > 0 {
		where += " AND feature_type IN (" + placeholders(len(featureTables)) + ")"
		for _, t := range featureTables {
			args = append(args, t)
		}
	}
	var n int64
	err := e.s.QueryRow(ctx, "SELECT count(*) FROM "+e.s.TableName(types.SchemaMyw, "transaction_log")+" WHERE "+where, args...).Scan(&n)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if changed, err := e.dd.HasConfigChangesSince(ctx, version); err != nil || changed {
		return changed, err
	}
	for st, v := range tiles {
		if changed, err := st.HasChangesSince(ctx, v); err != nil || changed {
			return changed, err
		}
	}
	return false, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
