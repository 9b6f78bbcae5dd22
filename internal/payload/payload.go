// Package payload turns decoded Gabb API bodies into device records.
//
// Bodies are handled as generic JSON trees (map[string]any, []any and
// scalars decoded with json.Number) because the vendor adds and drops
// device attributes without notice and every attribute is forwarded as is.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNoDevices reports a body without any device records. Callers treat it
// as an informational condition, not a failure.
var ErrNoDevices = errors.New("no devices found")

// UnknownID is used for records without a usable identifier.
const UnknownID = "unknown"

// Device is a single record from the Devices list: its identifier plus every
// attribute the API sent, including the identifier itself.
type Device struct {
	ID         string
	Attributes map[string]any
}

// Keys returns the attribute names in sorted order.
func (d Device) Keys() []string {
	keys := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Has reports whether the attribute key is present, even with a null value.
func (d Device) Has(key string) bool {
	_, ok := d.Attributes[key]
	return ok
}

// HasCoordinates reports whether both latitude and longitude are present.
func (d Device) HasCoordinates() bool {
	return d.Has("latitude") && d.Has("longitude")
}

// NewDevice wraps a raw record. The identifier falls back to UnknownID.
func NewDevice(attrs map[string]any) Device {
	return Device{
		ID:         ID(attrs["id"]),
		Attributes: attrs,
	}
}

// Devices extracts the device list from a full API body shaped as
// {"data": {"Devices": [...]}}. Entries that are not JSON objects are skipped.
func Devices(body map[string]any) ([]Device, error) {
	data, ok := body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: no data in body", ErrNoDevices)
	}

	list, ok := data["Devices"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: no Devices key in map data", ErrNoDevices)
	}

	devices := make([]Device, 0, len(list))
	for _, item := range list {
		attrs, ok := item.(map[string]any)
		if !ok {
			continue
		}
		devices = append(devices, NewDevice(attrs))
	}

	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	return devices, nil
}

// Decode parses a JSON object body. Numbers stay json.Number so they are
// republished exactly as the API sent them.
func Decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}

	if out == nil {
		return nil, errors.New("decode body: not a JSON object")
	}

	return out, nil
}

// StripKey returns a copy of v in which no object at any depth contains key.
// v itself is left untouched.
func StripKey(v any, key string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == key {
				continue
			}
			out[k] = StripKey(val, key)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = StripKey(val, key)
		}
		return out
	default:
		return v
	}
}

// ID renders a raw identifier value as a string, UnknownID when absent.
func ID(v any) string {
	switch t := v.(type) {
	case nil:
		return UnknownID
	case string:
		if t == "" {
			return UnknownID
		}
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
