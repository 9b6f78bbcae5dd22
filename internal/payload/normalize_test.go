package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWhitelist(t *testing.T) {
	data := mustDecode(t, `{"Devices":[{
		"id": "d1",
		"firstName": "Ada",
		"batteryLevel": 80,
		"latitude": 10.0,
		"longitude": 20.0,
		"secretField": "dropped"
	}]}`)

	view, err := Normalize(data)
	require.NoError(t, err)
	require.Equal(t, 1, view.Len())

	d, ok := view.Get("d1")
	require.True(t, ok)

	assert.Len(t, d.DeviceInfo, len(deviceInfoFields))
	assert.Equal(t, "Ada", d.DeviceInfo["firstName"])
	assert.Equal(t, json.Number("80"), d.DeviceInfo["batteryLevel"])
	assert.NotContains(t, d.DeviceInfo, "secretField")

	// Absent whitelisted fields are present as null.
	assert.Contains(t, d.DeviceInfo, "imei")
	assert.Nil(t, d.DeviceInfo["imei"])
	assert.Nil(t, d.SafeZones)
}

func TestNormalizeSafeZones(t *testing.T) {
	data := mustDecode(t, `{
		"Devices": [{"id":"d1"},{"id":"d2"}],
		"SafeZones": [
			{"name":"School","latitude":1.5,"longitude":2.5,"radius":100,"devices":["d2","d1"]},
			{"name":"Home","latitude":3.5,"longitude":4.5,"radius":50,"devices":["d1","ghost"]},
			{"name":"Park","latitude":5,"longitude":6,"radius":10,"devices":["ghost"]}
		]
	}`)

	view, err := Normalize(data)
	require.NoError(t, err)

	d1, _ := view.Get("d1")
	d2, _ := view.Get("d2")

	require.Len(t, d1.SafeZones, 2)
	assert.Equal(t, "School", d1.SafeZones[0].ZoneName)
	assert.Equal(t, "Home", d1.SafeZones[1].ZoneName)
	assert.Equal(t, json.Number("50"), d1.SafeZones[1].Radius)

	require.Len(t, d2.SafeZones, 1)
	assert.Equal(t, "School", d2.SafeZones[0].ZoneName)

	_, ok := view.Get("ghost")
	assert.False(t, ok)
	assert.Equal(t, 2, view.Len())
}

func TestNormalizeKeepsInputOrder(t *testing.T) {
	data := mustDecode(t, `{"Devices":[{"id":"z"},{"id":"a"},{"id":"m"}]}`)

	view, err := Normalize(data)
	require.NoError(t, err)

	var ids []string
	for _, d := range view.Devices {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestNormalizeNoDevices(t *testing.T) {
	for _, body := range []string{`{}`, `{"Devices":[]}`, `{"Devices":[], "SafeZones":[{"name":"x","devices":["d1"]}]}`} {
		view, err := Normalize(mustDecode(t, body))
		assert.ErrorIs(t, err, ErrNoDevices, body)
		require.NotNil(t, view)
		assert.Equal(t, 0, view.Len())
	}
}

func TestNormalizeIgnoresMalformedZones(t *testing.T) {
	data := mustDecode(t, `{
		"Devices": [{"id":"d1"}],
		"SafeZones": ["bad", {"name":"NoMembers"}, {"name":"Home","devices":["d1"]}]
	}`)

	view, err := Normalize(data)
	require.NoError(t, err)

	d1, _ := view.Get("d1")
	require.Len(t, d1.SafeZones, 1)
	assert.Equal(t, "Home", d1.SafeZones[0].ZoneName)
	assert.Nil(t, d1.SafeZones[0].Radius)
}

func TestCombinedViewMarshal(t *testing.T) {
	data := mustDecode(t, `{
		"Devices": [{"id":"d1","imei":"123"}],
		"SafeZones": [{"name":"Home","latitude":1,"longitude":2,"radius":3,"devices":["d1"]}]
	}`)

	view, err := Normalize(data)
	require.NoError(t, err)

	out, err := json.Marshal(view)
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))

	require.Contains(t, decoded, "d1")
	assert.Contains(t, decoded["d1"], "deviceInfo")
	zones := decoded["d1"]["safeZones"].([]any)
	assert.Equal(t, "Home", zones[0].(map[string]any)["zoneName"])
}
