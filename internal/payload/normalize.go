package payload

import (
	"encoding/json"
	"fmt"
)

// deviceInfoFields is the curated subset of device attributes kept in a
// combined view.
var deviceInfoFields = []string{
	"id",
	"firstName",
	"lastName",
	"type",
	"batteryLevel",
	"deviceStatus",
	"longitude",
	"latitude",
	"gpsDate",
	"emergencyMode",
	"shutdown",
	"firmwareVersion",
	"hardwareVersion",
	"imei",
}

// ZoneProjection is the part of a safe zone attached to each member device.
type ZoneProjection struct {
	ZoneName  any `json:"zoneName"`
	Latitude  any `json:"latitude"`
	Longitude any `json:"longitude"`
	Radius    any `json:"radius"`
}

type CombinedDevice struct {
	ID         string           `json:"-"`
	DeviceInfo map[string]any   `json:"deviceInfo"`
	SafeZones  []ZoneProjection `json:"safeZones,omitempty"`
}

// CombinedView holds normalized devices in input order. It encodes as a JSON
// object keyed by device identifier.
type CombinedView struct {
	Devices []*CombinedDevice
	index   map[string]*CombinedDevice
}

func newCombinedView() *CombinedView {
	return &CombinedView{index: make(map[string]*CombinedDevice)}
}

// Get returns the combined record for a device identifier.
func (v *CombinedView) Get(id string) (*CombinedDevice, bool) {
	d, ok := v.index[id]
	return d, ok
}

func (v *CombinedView) Len() int {
	return len(v.Devices)
}

func (v *CombinedView) MarshalJSON() ([]byte, error) {
	out := make(map[string]*CombinedDevice, len(v.Devices))
	for _, d := range v.Devices {
		out[d.ID] = d
	}
	return json.Marshal(out)
}

// Normalize builds the combined view from the inner map data object, shaped
// as {"Devices": [...], "SafeZones": [...]}. Each device keeps only the
// curated fields, missing ones set to null, and collects the safe zones that
// list it as a member. Zones naming unknown devices are dropped.
//
// The returned view is never nil. ErrNoDevices is returned alongside an empty
// view when there is nothing to normalize.
func Normalize(data map[string]any) (*CombinedView, error) {
	view := newCombinedView()

	raw, ok := data["Devices"]
	if !ok {
		return view, fmt.Errorf("%w: no Devices key in map data", ErrNoDevices)
	}

	list, _ := raw.([]any)
	for _, item := range list {
		attrs, ok := item.(map[string]any)
		if !ok {
			continue
		}

		info := make(map[string]any, len(deviceInfoFields))
		for _, field := range deviceInfoFields {
			info[field] = attrs[field]
		}

		id := ID(attrs["id"])
		if existing, ok := view.index[id]; ok {
			existing.DeviceInfo = info
			continue
		}

		d := &CombinedDevice{ID: id, DeviceInfo: info}
		view.Devices = append(view.Devices, d)
		view.index[id] = d
	}

	if view.Len() == 0 {
		return view, ErrNoDevices
	}

	zones, _ := data["SafeZones"].([]any)
	for _, item := range zones {
		zone, ok := item.(map[string]any)
		if !ok {
			continue
		}

		members, _ := zone["devices"].([]any)
		for _, member := range members {
			d, ok := view.index[ID(member)]
			if !ok {
				continue
			}

			d.SafeZones = append(d.SafeZones, ZoneProjection{
				ZoneName:  zone["name"],
				Latitude:  zone["latitude"],
				Longitude: zone["longitude"],
				Radius:    zone["radius"],
			})
		}
	}

	return view, nil
}
