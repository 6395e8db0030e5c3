package dd

import (
	"context"
	"fmt"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/pkg/types"
)

// EnumValue is one value of an enumerator.
type EnumValue struct {
	Value   string `json:"value"`
	Display string `json:"display_value,omitempty"`
}

// EnumRec is an enumerator with its values in order.
type EnumRec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Values      []EnumValue `json:"values"`
}

// EnumeratorRec returns an enumerator. Raises ConfigError UNKNOWN_ENUM when
// it does not exist.
func (m *Manager) EnumeratorRec(ctx context.Context, name string) (*EnumRec, error) {
	r, err := m.Record(ctx, "dd_enum", name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, myerrors.NewConfigError(myerrors.CodeUnknownEnum, fmt.Sprintf("no such enumerator: %s", name))
	}
	e := &EnumRec{Name: name, Description: r.String("description"), Values: []EnumValue{}}
	vals, err := m.Records(ctx, "dd_enum_value", "enum_name = ?", name)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		e.Values = append(e.Values, EnumValue{Value: v.String("value"), Display: v.String("display_value")})
	}
	return e, nil
}

// Enumerators returns the names of all enumerators.
func (m *Manager) Enumerators(ctx context.Context) ([]string, error) {
	recs, err := m.Records(ctx, "dd_enum", "")
	if err != nil {
		return nil, err
	}
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.String("name")
	}
	return names, nil
}

// CreateEnum stores an enumerator, replacing the values of an existing one.
func (m *Manager) CreateEnum(ctx context.Context, e *EnumRec) error {
	return m.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.UpsertRecord(ctx, "dd_enum", types.Record{
			"name": e.Name, "description": nullString(e.Description),
		}); err != nil {
			return err
		}
		if _, err := m.DeleteRecords(ctx, "dd_enum_value", "enum_name = ?", e.Name); err != nil {
			return err
		}
		for i, v := range e.Values {
			if _, err := m.InsertRecord(ctx, "dd_enum_value", types.Record{
				"enum_name": e.Name, "position": i, "value": v.Value, "display_value": nullString(v.Display),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropEnum removes an enumerator and its values.
func (m *Manager) DropEnum(ctx context.Context, name string) error {
	return m.s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.DeleteRecords(ctx, "dd_enum_value", "enum_name = ?", name); err != nil {
			return err
		}
		_, err := m.DeleteRecords(ctx, "dd_enum", "name = ?", name)
		return err
	})
}
