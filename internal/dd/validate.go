package dd

import (
	"context"
	"encoding/json"
	"fmt"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
)

// UnitsSetting holds the declared unit scales: a JSON object mapping each
// scale name to its units and their factors relative to the base unit.
const UnitsSetting = "core.units"

// unitScales loads the declared unit scales.
func (m *Manager) unitScales(ctx context.Context) (map[string]map[string]float64, error) {
	raw, ok, err := m.Setting(ctx, UnitsSetting)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var scales map[string]map[string]float64
	if err := json.Unmarshal([]byte(raw), &scales); err != nil {
		return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadValue, "setting "+UnitsSetting+" is not valid JSON", err)
	}
	return scales, nil
}

// ValidateFeatureDescriptor checks a descriptor's internal consistency and
// its references to enumerators and unit scales.
func (m *Manager) ValidateFeatureDescriptor(ctx context.Context, d *FeatureDescriptor) error {
	if d.Datasource == "" {
		d.Datasource = DefaultDatasource
	}
	if err := d.Check(); err != nil {
		return err
	}
	var scales map[string]map[string]float64
	for _, f := range d.Fields {
		if f.Enum != "" {
			if _, err := m.EnumeratorRec(ctx, f.Enum); err != nil {
				return err
			}
		}
		if f.UnitScale == "" {
			continue
		}
		if scales == nil {
			var err error
			if scales, err = m.unitScales(ctx); err != nil {
				return err
			}
		}
		units, ok := scales[f.UnitScale]
		if !ok {
			return myerrors.NewConfigError(myerrors.CodeBadDescriptor,
				fmt.Sprintf("feature %s field %s: undeclared unit scale %s", d.Name, f.Name, f.UnitScale))
		}
		for _, u := range []string{f.Unit, f.DisplayUnit} {
			if _, ok := units[u]; u != "" && !ok {
				return myerrors.NewConfigError(myerrors.CodeBadDescriptor,
					fmt.Sprintf("feature %s field %s: unit %s not in scale %s", d.Name, f.Name, u, f.UnitScale))
			}
		}
	}
	if _, err := d.Table("data"); err != nil {
		return err
	}
	return nil
}

func wellFormedJSON(s string) bool {
	return s == "" || json.Valid([]byte(s))
}

// ValidateDatasource checks that a datasource record is complete.
func (m *Manager) ValidateDatasource(ctx context.Context, name string) []error {
	r, err := m.Record(ctx, "datasource", name)
	if err != nil {
		return []error{err}
	}
	if r == nil {
		return []error{fmt.Errorf("datasource %s: does not exist", name)}
	}
	var errs []error
	if r.String("type") == "" {
		errs = append(errs, fmt.Errorf("datasource %s: no type", name))
	}
	if !wellFormedJSON(r.String("spec")) {
		errs = append(errs, fmt.Errorf("datasource %s: malformed spec", name))
	}
	return errs
}

// ValidateLayer checks a layer's datasource, feature items and spec.
func (m *Manager) ValidateLayer(ctx context.Context, name string) []error {
	r, err := m.Record(ctx, "layer", name)
	if err != nil {
		return []error{err}
	}
	if r == nil {
		return []error{fmt.Errorf("layer %s: does not exist", name)}
	}
	var errs []error
	ds := r.String("datasource_name")
	if d, err := m.Record(ctx, "datasource", ds); err != nil {
		errs = append(errs, err)
	} else if d == nil && ds != DefaultDatasource {
		errs = append(errs, fmt.Errorf("layer %s: unknown datasource %s", name, ds))
	}
	if !wellFormedJSON(r.String("spec")) {
		errs = append(errs, fmt.Errorf("layer %s: malformed spec", name))
	}
	items, err := m.Records(ctx, "layer_feature_item", "layer_name = ?", name)
	if err != nil {
		return append(errs, err)
	}
	for _, it := range items {
		rec, err := m.findFeatureRec(ctx, it.String("datasource_name"), it.String("feature_name"))
		switch {
		case err != nil:
			errs = append(errs, err)
		case rec == nil:
			errs = append(errs, fmt.Errorf("layer %s: unknown feature type %s/%s", name,
				it.String("datasource_name"), it.String("feature_name")))
		case it.String("field_name") != "-" && it.String("field_name") != "":
			d, err := m.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			f := d.Field(it.String("field_name"))
			if f == nil {
				errs = append(errs, fmt.Errorf("layer %s: %s has no field %s", name, rec.Name, it.String("field_name")))
			} else if t, err := schema.ParseType(f.Type); err == nil && !t.IsGeometry() {
				errs = append(errs, fmt.Errorf("layer %s: %s.%s is not a geometry", name, rec.Name, f.Name))
			}
		}
	}
	return errs
}

// ValidateTableSet checks that a table set's layers exist.
func (m *Manager) ValidateTableSet(ctx context.Context, name string) []error {
	ts, err := m.TableSetRec(ctx, name)
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, l := range ts.Layers {
		if r, err := m.Record(ctx, "layer", l.Layer); err != nil {
			errs = append(errs, err)
		} else if r == nil {
			errs = append(errs, fmt.Errorf("table set %s: unknown layer %s", name, l.Layer))
		}
	}
	for _, tf := range ts.TileFiles {
		if tf.MinZoom > tf.MaxZoom && tf.MaxZoom > 0 {
			errs = append(errs, fmt.Errorf("table set %s: tile file %s has min zoom above max zoom", name, tf.TileFile))
		}
	}
	return errs
}
