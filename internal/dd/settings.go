package dd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/myworld/mywdb/pkg/types"
)

// Setting types as stored in the setting table.
const (
	SettingString  = "STRING"
	SettingInteger = "INTEGER"
	SettingBoolean = "BOOLEAN"
	SettingJSON    = "JSON"
)

// Setting returns the raw value of a setting and whether it exists.
func (m *Manager) Setting(ctx context.Context, name string) (string, bool, error) {
	r, err := m.Record(ctx, "setting", name)
	if err != nil || r == nil {
		return "", false, err
	}
	return r.String("value"), true, nil
}

// IntSetting returns an integer setting, or def when unset.
func (m *Manager) IntSetting(ctx context.Context, name string, def int64) (int64, error) {
	v, ok, err := m.Setting(ctx, name)
	if err != nil || !ok || v == "" {
		return def, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dd: setting %s is not an integer: %q", name, v)
	}
	return n, nil
}

// SetSetting stores a setting. Strings, integers and booleans are stored as
// text; anything else is stored as JSON.
func (m *Manager) SetSetting(ctx context.Context, name string, value interface{}) error {
	typ, text := SettingString, ""
	switch v := value.(type) {
	case string:
		text = v
	case int:
		typ, text = SettingInteger, strconv.Itoa(v)
	case int64:
		typ, text = SettingInteger, strconv.FormatInt(v, 10)
	case bool:
		typ, text = SettingBoolean, strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("dd: cannot encode setting %s: %w", name, err)
		}
		typ, text = SettingJSON, string(b)
	}
	return m.UpsertRecord(ctx, "setting", types.Record{"name": name, "type": typ, "value": text})
}

// DeleteSetting removes a setting.
func (m *Manager) DeleteSetting(ctx context.Context, name string) error {
	_, err := m.DeleteRecords(ctx, "setting", "name = ?", name)
	return err
}

// Settings returns all settings by name.
func (m *Manager) Settings(ctx context.Context) (map[string]string, error) {
	recs, err := m.Records(ctx, "setting", "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.String("name")] = r.String("value")
	}
	return out, nil
}
