package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap maps a Go map onto a jsonb column. gorm.io/datatypes would cover
// this but drags in a multi-database dependency surface for one type, so
// the Valuer/Scanner pair lives here.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONMap: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// JSONRaw stores pre-marshaled JSON in a jsonb column without forcing a
// shape on it (chat histories, flow definitions, tool result lists).
type JSONRaw json.RawMessage

// Value implements driver.Valuer.
func (r JSONRaw) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *JSONRaw) Scan(src any) error {
	if src == nil {
		*r = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*r = append((*r)[:0], v...)
	case string:
		*r = JSONRaw(v)
	default:
		return fmt.Errorf("unsupported JSONRaw source type %T", src)
	}
	return nil
}

// MarshalJSON passes the raw bytes through.
func (r JSONRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores the raw bytes.
func (r *JSONRaw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
