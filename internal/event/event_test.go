package event_test

import (
	"encoding/json"
	"testing"

	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t *testing.T, ts int64) {
	t.Helper()
	orig := event.Now
	event.Now = func() int64 { return ts }
	t.Cleanup(func() { event.Now = orig })
}

func TestEventWireFormat(t *testing.T) {
	fixedClock(t, 1700000000000)

	tests := []struct {
		name     string
		ev       event.Event
		expected string
	}{
		{
			name: "advertisement with absent fields",
			ev:   event.NewAdvertisement(event.Advertisement{ID: "AA:BB", Address: "AA:BB"}),
			expected: `{"ts":1700000000000,"type":"adv","data":{"id":"AA:BB","address":"AA:BB","rssi":null,
				"localName":null,"serviceUuids":[],"manufacturerData":null,"serviceData":[]}}`,
		},
		{
			name:     "scan",
			ev:       event.NewScanState(true, "start"),
			expected: `{"ts":1700000000000,"type":"scan","data":{"active":true,"reason":"start"}}`,
		},
		{
			name:     "connect error keeps message",
			ev:       event.NewConnect("x", event.ConnectError, "device_not_found"),
			expected: `{"ts":1700000000000,"type":"connect","data":{"id":"x","status":"error","error":"device_not_found"}}`,
		},
		{
			name:     "connect success drops message",
			ev:       event.NewConnect("x", event.ConnectSuccess, "ignored"),
			expected: `{"ts":1700000000000,"type":"connect","data":{"id":"x","status":"success"}}`,
		},
		{
			name:     "notify is hex",
			ev:       event.NewNotify("x", "2a37", []byte{0x06, 0x48}),
			expected: `{"ts":1700000000000,"type":"notify","data":{"id":"x","charUuid":"2a37","dataHex":"0648"}}`,
		},
		{
			name:     "disconnected",
			ev:       event.NewDisconnected("x", "manual"),
			expected: `{"ts":1700000000000,"type":"disconnected","data":{"id":"x","reason":"manual"}}`,
		},
		{
			name:     "snapshot",
			ev:       event.NewSnapshot([]string{}, false),
			expected: `{"ts":1700000000000,"type":"snapshot","data":{"ts":1700000000000,"devices":[],"scanningActive":false}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.ev)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(data))
		})
	}
}

func TestNewAdvertisementCopiesInputs(t *testing.T) {
	rssi := -50
	services := []string{"180d"}
	ev := event.NewAdvertisement(event.Advertisement{ID: "a", RSSI: &rssi, ServiceUUIDs: services})

	rssi = -90
	services[0] = "ffff"

	adv := ev.Data.(event.Advertisement)
	assert.Equal(t, -50, *adv.RSSI)
	assert.Equal(t, []string{"180d"}, adv.ServiceUUIDs)
}

func TestConnectionDetailsClone(t *testing.T) {
	orig := event.ConnectionDetails{
		ID:        "strap",
		LocalName: testutils.Ptr("Strap"),
		Characteristics: []event.CharacteristicInfo{
			{ServiceUUID: "180d", UUID: "2a37", Properties: []string{"notify"}},
		},
	}

	clone := orig.Clone()
	*orig.LocalName = "Changed"
	orig.Characteristics[0].Properties[0] = "read"

	assert.Equal(t, "Strap", *clone.LocalName)
	assert.Equal(t, []string{"notify"}, clone.Characteristics[0].Properties)
	assert.NotNil(t, clone.ServiceUUIDs)
	assert.NotNil(t, clone.Services)

	testutils.NewJSONAsserter(t).AssertValue(clone, `{"id":"strap","localName":"Strap","serviceUuids":[],"services":[],
		"characteristics":[{"serviceUuid":"180d","uuid":"2a37","properties":["notify"]}]}`)
}
