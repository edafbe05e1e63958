package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blescope/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceObject(props map[string]any) map[string]map[string]dbus.Variant {
	vars := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		vars[k] = dbus.MakeVariant(v)
	}
	return map[string]map[string]dbus.Variant{deviceInterface: vars}
}

func TestFindAdapter(t *testing.T) {
	objects := ManagedObjects{
		"/org/bluez":      {"org.bluez.AgentManager1": {}},
		"/org/bluez/hci1": {adapterInterface: {}},
		"/org/bluez/hci0": {adapterInterface: {}},
	}

	adapter, err := FindAdapter(objects)
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), adapter)

	_, err = FindAdapter(ManagedObjects{})
	assert.ErrorIs(t, err, device.ErrUnsupported)
}

func TestParseSightings(t *testing.T) {
	objects := ManagedObjects{
		"/org/bluez/hci0": {adapterInterface: {}},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": deviceObject(map[string]any{
			"Address": "AA:BB:CC:DD:EE:FF",
			"Name":    "  Scale ",
			"RSSI":    int16(-58),
			"UUIDs":   []string{"0000181d-0000-1000-8000-00805f9b34fb"},
			"ManufacturerData": map[uint16]dbus.Variant{
				0x004c: dbus.MakeVariant([]byte{0x02, 0x15}),
			},
			"ServiceData": map[string]dbus.Variant{
				"0000181d-0000-1000-8000-00805f9b34fb": dbus.MakeVariant([]byte{0x01}),
			},
		}),
		"/org/bluez/hci0/dev_11_22_33_44_55_66": deviceObject(map[string]any{
			"Address": "11:22:33:44:55:66",
			"Alias":   "11-22-33-44-55-66",
			"RSSI":    int16(-90),
		}),
		// cached from an earlier session, no RSSI
		"/org/bluez/hci0/dev_99_99_99_99_99_99": deviceObject(map[string]any{
			"Address": "99:99:99:99:99:99",
			"Name":    "Stale",
		}),
		// different adapter
		"/org/bluez/hci1/dev_77_77_77_77_77_77": deviceObject(map[string]any{
			"Address": "77:77:77:77:77:77",
			"RSSI":    int16(-40),
		}),
	}

	got := ParseSightings(objects, "/org/bluez/hci0")

	require.Len(t, got, 2)

	assert.Equal(t, "11:22:33:44:55:66", got[0].Address)
	assert.Empty(t, got[0].Name, "dashed-address alias is not a name")
	assert.Equal(t, -90, *got[0].RSSI)

	scale := got[1]
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", scale.Address)
	assert.Equal(t, "Scale", scale.Name)
	assert.Equal(t, -58, *scale.RSSI)
	assert.Equal(t, []string{"181d"}, scale.ServiceUUIDs)
	assert.Equal(t, []byte{0x4c, 0x00, 0x02, 0x15}, scale.ManufacturerData)
	assert.Equal(t, map[string][]byte{"181d": {0x01}}, scale.ServiceData)
}

func TestParseSightings_AddressFromPath(t *testing.T) {
	objects := ManagedObjects{
		"/org/bluez/hci0/dev_0A_0B_0C_0D_0E_0F": deviceObject(map[string]any{
			"RSSI":  int16(-70),
			"Alias": "Kettle",
		}),
	}

	got := ParseSightings(objects, "/org/bluez/hci0")

	require.Len(t, got, 1)
	assert.Equal(t, "0A:0B:0C:0D:0E:0F", got[0].Address)
	assert.Equal(t, "Kettle", got[0].Name)
}

func TestEncodeManufacturerData(t *testing.T) {
	assert.Nil(t, encodeManufacturerData(nil))

	got := encodeManufacturerData(map[uint16]dbus.Variant{
		0x0102: dbus.MakeVariant([]byte{0xbb}),
		0x0001: dbus.MakeVariant([]byte{0xaa}),
	})
	assert.Equal(t, []byte{0x01, 0x00, 0xaa, 0x02, 0x01, 0xbb}, got)
}
