package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// BandRecord is one entry of the bands JSON column.
type BandRecord struct {
	Name   string   `json:"name"`
	LowHz  float64  `json:"low_hz"`
	HighHz float64  `json:"high_hz"`
	RMSDB  *float64 `json:"rms_db"`
}

// EncodeJSON marshals value for a JSON column.
func EncodeJSON(value any) (datatypes.JSON, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encode json column: %w", err)
	}
	return datatypes.JSON(encoded), nil
}

// DecodeJSON unmarshals a JSON column into T. An empty or null column yields the zero value.
func DecodeJSON[T any](raw datatypes.JSON) (T, error) {
	var value T
	if len(raw) == 0 || string(raw) == "null" {
		return value, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("store: decode json column: %w", err)
	}
	return value, nil
}
