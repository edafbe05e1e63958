package device

// Assigned numbers for the GATT services and characteristics most often seen on
// consumer peripherals. Keys are normalized 16-bit UUIDs.
var knownServices = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery",
	"1809": "Health Thermometer",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1814": "Running Speed and Cadence",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"1826": "Fitness Machine",
	"fe59": "Nordic DFU",
}

var knownCharacteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a1c": "Temperature Measurement",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a35": "Blood Pressure Measurement",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a4d": "Report",
	"2a53": "RSC Measurement",
	"2a5b": "CSC Measurement",
	"2a63": "Cycling Power Measurement",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2a9d": "Weight Measurement",
	"2ad2": "Indoor Bike Data",
}

// LookupServiceName returns the assigned name for a service UUID, or ""
func LookupServiceName(uuid string) string {
	return knownServices[NormalizeUUID(uuid)]
}

// LookupCharacteristicName returns the assigned name for a characteristic UUID, or ""
func LookupCharacteristicName(uuid string) string {
	return knownCharacteristics[NormalizeUUID(uuid)]
}
