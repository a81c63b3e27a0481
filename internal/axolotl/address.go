package axolotl

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies a remote device: the bare JID of its owner plus
// the numeric OMEMO device ID.
type Address struct {
	name     string
	deviceID uint32
}

// NewAddress returns an address for the given bare JID and device ID.
func NewAddress(name string, deviceID uint32) Address {
	return Address{name: name, deviceID: deviceID}
}

// Name returns the bare JID part of the address.
func (a Address) Name() string { return a.name }

// DeviceID returns the device ID part of the address.
func (a Address) DeviceID() uint32 { return a.deviceID }

// String renders the address as "jid:deviceID".
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.name, a.deviceID)
}

// ParseAddress parses the String form back into an address. The
// device ID follows the last colon; JIDs may contain colons themselves.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Address{}, fmt.Errorf("axolotl: malformed address %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("axolotl: malformed address %q: %w", s, err)
	}
	return Address{name: s[:i], deviceID: uint32(id)}, nil
}
