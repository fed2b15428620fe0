package types

// DeviceType is a free-form platform label ("phone", "desktop", "web").
type DeviceType string

// DeviceDescriptor identifies one of a user's registered devices.
type DeviceDescriptor struct {
	UserID     UserID     `json:"user_id"`
	DeviceID   DeviceID   `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
}

// Address returns the session key for the device.
func (d DeviceDescriptor) Address() DeviceAddress {
	return DeviceAddress{UserID: d.UserID, DeviceID: d.DeviceID}
}
