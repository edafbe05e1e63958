package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/device"
)

var propertyFlags = []struct {
	flag ble.Property
	prop device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropAuthenticatedWrites},
	{ble.CharExtended, device.PropExtendedProperties},
}

// NewProperties converts ble.Property bit flags into named properties
func NewProperties(p ble.Property) device.Properties {
	props := make(device.Properties, 0, 2)
	for _, f := range propertyFlags {
		if p&f.flag != 0 {
			props = append(props, f.prop)
		}
	}
	return props
}
