package types

import (
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies an account registered with the directory.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// DeviceID identifies one of a user's registered devices.
type DeviceID uint32

// String returns the decimal form of the device id.
func (d DeviceID) String() string { return strconv.FormatUint(uint64(d), 10) }

// ChatID identifies a conversation (direct or group).
type ChatID string

// String returns the string form of the chat id.
func (c ChatID) String() string { return string(c) }

// KeyID is the numeric identifier of a prekey or signed prekey.
type KeyID uint32

// RegistrationID is the random per-install identifier carried in every
// encrypted message.
type RegistrationID uint32

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// DeviceAddress names a single peer device. It is the key of every session.
type DeviceAddress struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
}

// String renders the address as "user.device".
func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s.%d", a.UserID, a.DeviceID)
}

// ParseDeviceAddress parses the form produced by DeviceAddress.String.
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return DeviceAddress{}, fmt.Errorf("invalid device address %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return DeviceAddress{}, fmt.Errorf("invalid device id in %q: %w", s, err)
	}
	return DeviceAddress{UserID: UserID(s[:i]), DeviceID: DeviceID(id)}, nil
}
