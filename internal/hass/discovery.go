package hass

import (
	"strings"
	"unicode"

	"github.com/lubosd/hass-gabb/internal/payload"
)

const (
	DeviceModel        = "Gabb Device"
	DeviceManufacturer = "Gabb Wireless"
)

// SensorClass is the Home Assistant presentation of one attribute. Empty
// strings are encoded as null.
type SensorClass struct {
	DeviceClass       string
	UnitOfMeasurement string
}

// DefaultClasses covers the attributes Home Assistant can render with a
// device class or unit. Everything else is a plain sensor.
var DefaultClasses = map[string]SensorClass{
	"batteryLevel": {DeviceClass: "battery", UnitOfMeasurement: "%"},
	"longitude":    {UnitOfMeasurement: "°"},
	"latitude":     {UnitOfMeasurement: "°"},
	"gpsDate":      {DeviceClass: "timestamp"},
	"deviceStatus": {DeviceClass: "connectivity"},
	"last_updated": {DeviceClass: "timestamp"},
}

// Descriptor is a discovery config payload.
type Descriptor interface {
	ID() string
}

type HassAutoconfigDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

type HassAutoconfig struct {
	Name              string               `json:"name"`
	StateTopic        string               `json:"state_topic"`
	UniqueID          string               `json:"unique_id"`
	DeviceClass       *string              `json:"device_class"`
	UnitOfMeasurement *string              `json:"unit_of_measurement"`
	Device            HassAutoconfigDevice `json:"device"`
}

func (c *HassAutoconfig) ID() string {
	return c.UniqueID
}

// HassTrackerAutoconfig drives a device_tracker entity from the JSON
// attributes published on the location topic.
type HassTrackerAutoconfig struct {
	Name                string               `json:"name"`
	UniqueID            string               `json:"unique_id"`
	JSONAttributesTopic string               `json:"json_attributes_topic"`
	Device              HassAutoconfigDevice `json:"device"`
}

func (c *HassTrackerAutoconfig) ID() string {
	return c.UniqueID
}

// Discovery maps discovery config topics to their payloads.
type Discovery map[string]Descriptor

// Messages returns the descriptors ordered by topic.
func (d Discovery) Messages() []Message {
	msgs := make([]Message, 0, len(d))
	for topic, desc := range d {
		msgs = append(msgs, Message{Topic: topic, Payload: desc})
	}
	sortMessages(msgs)

	return msgs
}

// Discovery builds one sensor descriptor per attribute, one for
// last_updated and, when both coordinates are present, a device tracker.
// The result depends only on the devices and the class table.
func (m *Mapper) Discovery(devices []payload.Device) (Discovery, error) {
	out := make(Discovery)
	if len(devices) == 0 {
		return out, payload.ErrNoDevices
	}

	for _, device := range devices {
		dev := m.deviceBlock(device.ID)

		for _, key := range device.Keys() {
			out[m.sensorTopic(device.ID, key)] = m.sensorConfig(device.ID, key, SensorName(key), dev)
		}

		out[m.sensorTopic(device.ID, TopicLastUpdated)] = m.sensorConfig(device.ID, TopicLastUpdated, "Last Updated", dev)

		if device.HasCoordinates() {
			out[m.trackerTopic(device.ID)] = &HassTrackerAutoconfig{
				Name:                dev.Name,
				UniqueID:            m.uniqueID(device.ID, "tracker"),
				JSONAttributesTopic: m.TopicNameForValue(device.ID, TopicLocation),
				Device:              dev,
			}
		}
	}

	return out, nil
}

func (m *Mapper) sensorConfig(id, key, name string, dev HassAutoconfigDevice) *HassAutoconfig {
	class := DefaultClasses[key]

	return &HassAutoconfig{
		Name:              name,
		StateTopic:        m.TopicNameForValue(id, key),
		UniqueID:          m.uniqueID(id, key),
		DeviceClass:       nullable(class.DeviceClass),
		UnitOfMeasurement: nullable(class.UnitOfMeasurement),
		Device:            dev,
	}
}

func (m *Mapper) deviceBlock(id string) HassAutoconfigDevice {
	return HassAutoconfigDevice{
		Identifiers:  []string{m.deviceID(id)},
		Name:         DeviceModel + " " + id,
		Model:        DeviceModel,
		Manufacturer: DeviceManufacturer,
	}
}

// deviceID is the HA device identifier, e.g. gabb_device_d1.
func (m *Mapper) deviceID(id string) string {
	return m.Prefix + "_" + id
}

func (m *Mapper) uniqueID(id, key string) string {
	return m.deviceID(id) + "_" + key
}

func (m *Mapper) sensorTopic(id, key string) string {
	return m.DiscoveryPrefix + "/sensor/" + m.deviceID(id) + "/" + key + "/config"
}

func (m *Mapper) trackerTopic(id string) string {
	return m.DiscoveryPrefix + "/device_tracker/" + m.deviceID(id) + "/config"
}

// SensorName turns an attribute key into a display name: each
// underscore-separated segment is capitalized and the segments are joined,
// so "last_updated" becomes "LastUpdated" and "batteryLevel" "Batterylevel".
func SensorName(key string) string {
	var b strings.Builder

	for _, word := range strings.Split(key, "_") {
		for i, r := range word {
			if i == 0 {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
		}
	}

	return b.String()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
