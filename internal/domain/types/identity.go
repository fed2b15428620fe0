package types

// Identity holds your long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// LocalRegistration describes this install: who we are and which device we are.
type LocalRegistration struct {
	UserID         UserID         `json:"user_id"`
	DeviceID       DeviceID       `json:"device_id"`
	RegistrationID RegistrationID `json:"registration_id"`
	DeviceName     string         `json:"device_name,omitempty"`
	DeviceType     DeviceType     `json:"device_type,omitempty"`
}

// Address returns the local device address.
func (r LocalRegistration) Address() DeviceAddress {
	return DeviceAddress{UserID: r.UserID, DeviceID: r.DeviceID}
}
