// Package event defines the immutable records carried by the fan-out hub.
//
// Every event is serialized as a tagged record {ts, type, data}. Constructors copy
// any slices they receive so producers can keep mutating their own buffers.
package event

import (
	"encoding/hex"
	"time"
)

// Type tags the payload carried in Event.Data
type Type string

const (
	TypeAdvertisement Type = "adv"
	TypeScan          Type = "scan"
	TypeConnect       Type = "connect"
	TypeConnected     Type = "connected"
	TypeNotify        Type = "notify"
	TypeDisconnected  Type = "disconnected"
	TypeSnapshot      Type = "snapshot"
)

// ConnectStatus is the progress marker in a connect event
type ConnectStatus string

const (
	ConnectStarting ConnectStatus = "starting"
	ConnectSuccess  ConnectStatus = "success"
	ConnectError    ConnectStatus = "error"
)

// Event is the unit of transport and of replay storage
type Event struct {
	TS   int64 `json:"ts"`
	Type Type  `json:"type"`
	Data any   `json:"data"`
}

// ServiceData is one advertised service-data entry
type ServiceData struct {
	UUID string `json:"uuid"`
	Data string `json:"data"`
}

// Advertisement reports a sighting from either discovery source
type Advertisement struct {
	ID               string        `json:"id"`
	Address          string        `json:"address"`
	RSSI             *int          `json:"rssi"`
	LocalName        *string       `json:"localName"`
	ServiceUUIDs     []string      `json:"serviceUuids"`
	ManufacturerData *string       `json:"manufacturerData"`
	ServiceData      []ServiceData `json:"serviceData"`
}

// ScanState reports a scan controller transition
type ScanState struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// Connect reports connect progress
type Connect struct {
	ID     string        `json:"id"`
	Status ConnectStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// ServiceInfo is a discovered GATT service
type ServiceInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

// CharacteristicInfo is a discovered GATT characteristic
type CharacteristicInfo struct {
	ServiceUUID string   `json:"serviceUuid"`
	UUID        string   `json:"uuid"`
	Name        string   `json:"name,omitempty"`
	Properties  []string `json:"properties"`
}

// ConnectionDetails is returned by a successful connect and broadcast as TypeConnected
type ConnectionDetails struct {
	ID                  string               `json:"id"`
	Address             string               `json:"address"`
	LocalName           *string              `json:"localName"`
	RSSI                *int                 `json:"rssi"`
	ServiceUUIDs        []string             `json:"serviceUuids"`
	ManufacturerDataHex *string              `json:"manufacturerDataHex"`
	ConnectedAt         int64                `json:"connectedAt"`
	Services            []ServiceInfo        `json:"services"`
	Characteristics     []CharacteristicInfo `json:"characteristics"`
}

// Notify carries one inbound characteristic payload
type Notify struct {
	ID       string `json:"id"`
	CharUUID string `json:"charUuid"`
	DataHex  string `json:"dataHex"`
}

// Disconnected reports a session teardown
type Disconnected struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Snapshot is the initial view handed to push subscribers
type Snapshot struct {
	TS             int64 `json:"ts"`
	Devices        any   `json:"devices"`
	ScanningActive bool  `json:"scanningActive"`
}

// Now returns the current wall clock in milliseconds since epoch.
// Tests may replace it.
var Now = func() int64 {
	return time.Now().UnixMilli()
}

func newEvent(t Type, data any) Event {
	return Event{TS: Now(), Type: t, Data: data}
}

// NewAdvertisement builds an advertisement event
func NewAdvertisement(adv Advertisement) Event {
	adv.ServiceUUIDs = copyStrings(adv.ServiceUUIDs)
	if adv.ServiceUUIDs == nil {
		adv.ServiceUUIDs = []string{}
	}
	if adv.ServiceData == nil {
		adv.ServiceData = []ServiceData{}
	} else {
		adv.ServiceData = append([]ServiceData(nil), adv.ServiceData...)
	}
	adv.RSSI = copyInt(adv.RSSI)
	adv.LocalName = copyString(adv.LocalName)
	adv.ManufacturerData = copyString(adv.ManufacturerData)
	return newEvent(TypeAdvertisement, adv)
}

// NewScanState builds a scan transition event
func NewScanState(active bool, reason string) Event {
	return newEvent(TypeScan, ScanState{Active: active, Reason: reason})
}

// NewConnect builds a connect progress event; errMsg is only kept for ConnectError
func NewConnect(id string, status ConnectStatus, errMsg string) Event {
	c := Connect{ID: id, Status: status}
	if status == ConnectError {
		c.Error = errMsg
	}
	return newEvent(TypeConnect, c)
}

// NewConnected builds a connected event from connection details
func NewConnected(d ConnectionDetails) Event {
	return newEvent(TypeConnected, d.Clone())
}

// NewNotify hex-encodes payload into a notify event
func NewNotify(id, charUUID string, payload []byte) Event {
	return newEvent(TypeNotify, Notify{ID: id, CharUUID: charUUID, DataHex: hex.EncodeToString(payload)})
}

// NewDisconnected builds a disconnect event
func NewDisconnected(id, reason string) Event {
	return newEvent(TypeDisconnected, Disconnected{ID: id, Reason: reason})
}

// NewSnapshot builds the initial push event
func NewSnapshot(devices any, scanning bool) Event {
	ts := Now()
	return Event{TS: ts, Type: TypeSnapshot, Data: Snapshot{TS: ts, Devices: devices, ScanningActive: scanning}}
}

// Clone returns a deep copy of the details
func (d ConnectionDetails) Clone() ConnectionDetails {
	d.LocalName = copyString(d.LocalName)
	d.RSSI = copyInt(d.RSSI)
	d.ManufacturerDataHex = copyString(d.ManufacturerDataHex)
	d.ServiceUUIDs = copyStrings(d.ServiceUUIDs)
	if d.ServiceUUIDs == nil {
		d.ServiceUUIDs = []string{}
	}
	d.Services = append([]ServiceInfo{}, d.Services...)
	chars := make([]CharacteristicInfo, len(d.Characteristics))
	for i, c := range d.Characteristics {
		c.Properties = copyStrings(c.Properties)
		chars[i] = c
	}
	d.Characteristics = chars
	return d
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
