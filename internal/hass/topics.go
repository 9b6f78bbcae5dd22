// Package hass maps Gabb device records onto MQTT state topics and the Home
// Assistant discovery configs that describe them.
package hass

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/lubosd/hass-gabb/internal/payload"
)

const (
	TopicLocation    = "location"
	TopicLastUpdated = "last_updated"

	// ISO-8601 with an explicit +00:00 offset rather than Z.
	TimestampLayout = "2006-01-02T15:04:05.000000-07:00"
)

// Message is a single topic and its unencoded payload.
type Message struct {
	Topic   string
	Payload any
}

// Location is the payload of the location topic and the attribute source of
// the device tracker. LastGPSUpdate is written whenever HasGPSDate is set,
// null included.
type Location struct {
	Latitude      any
	Longitude     any
	LastGPSUpdate any
	HasGPSDate    bool
}

func (l Location) MarshalJSON() ([]byte, error) {
	if !l.HasGPSDate {
		return json.Marshal(struct {
			Latitude  any `json:"latitude"`
			Longitude any `json:"longitude"`
		}{l.Latitude, l.Longitude})
	}

	return json.Marshal(struct {
		Latitude      any `json:"latitude"`
		Longitude     any `json:"longitude"`
		LastGPSUpdate any `json:"LastGPSUpdate"`
	}{l.Latitude, l.Longitude, l.LastGPSUpdate})
}

// Topics maps state topics to their values.
type Topics map[string]any

// Messages returns the topics ordered by topic name.
func (t Topics) Messages() []Message {
	msgs := make([]Message, 0, len(t))
	for topic, value := range t {
		msgs = append(msgs, Message{Topic: topic, Payload: value})
	}
	sortMessages(msgs)

	return msgs
}

// Mapper derives topics and discovery configs for one deployment.
type Mapper struct {
	// Root namespace of the state topics, e.g. "gabb_device"
	Prefix string

	// e.g. "homeassistant"
	DiscoveryPrefix string

	Now func() time.Time
}

func NewMapper(prefix, discoveryPrefix string) *Mapper {
	return &Mapper{
		Prefix:          prefix,
		DiscoveryPrefix: discoveryPrefix,
		Now:             time.Now,
	}
}

func (m *Mapper) TopicNameForValue(id, valueName string) string {
	return m.Prefix + "/" + id + "/" + valueName
}

// Topics emits every attribute verbatim under <prefix>/<id>/<key>, a combined
// location topic when both coordinates are present and a last_updated
// timestamp taken when the device is mapped.
func (m *Mapper) Topics(devices []payload.Device) (Topics, error) {
	out := make(Topics)
	if len(devices) == 0 {
		return out, payload.ErrNoDevices
	}

	for _, device := range devices {
		for key, value := range device.Attributes {
			out[m.TopicNameForValue(device.ID, key)] = value
		}

		if device.HasCoordinates() {
			loc := Location{
				Latitude:  device.Attributes["latitude"],
				Longitude: device.Attributes["longitude"],
			}
			if gpsDate, ok := device.Attributes["gpsDate"]; ok {
				loc.LastGPSUpdate = gpsDate
				loc.HasGPSDate = true
			}
			out[m.TopicNameForValue(device.ID, TopicLocation)] = loc
		}

		out[m.TopicNameForValue(device.ID, TopicLastUpdated)] = m.now().UTC().Format(TimestampLayout)
	}

	return out, nil
}

func (m *Mapper) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Topic < msgs[j].Topic
	})
}
