package bluez

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	objectManager    = "org.freedesktop.DBus.ObjectManager"
)
