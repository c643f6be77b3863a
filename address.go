package ratchet

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is an immutable (id, device_id) value identifying one endpoint of
// a session. The canonical encoding is "id.device_id"; parsing splits on the
// LAST '.' so ids may themselves contain dots.
type Address struct {
	id       string
	deviceID uint32
}

// NewAddress builds an Address, rejecting ids that contain a '.' (the
// constructor reserves dots for the device-id separator; ParseAddress can still
// parse an id containing dots out of an already-encoded string).
func NewAddress(id string, deviceID uint32) (Address, error) {
	if id == "" {
		return Address{}, newInvalidArgumentError("address id must not be empty")
	}
	if strings.Contains(id, ".") {
		return Address{}, newInvalidArgumentError("address id must not contain '.'")
	}
	return Address{id: id, deviceID: deviceID}, nil
}

// ParseAddress parses the canonical "id.device_id" encoding, splitting on
// the last '.' so that ids containing dots round-trip.
func ParseAddress(encoded string) (Address, error) {
	i := strings.LastIndexByte(encoded, '.')
	if i < 0 || i == len(encoded)-1 {
		return Address{}, newInvalidArgumentError(fmt.Sprintf("malformed address %q", encoded))
	}
	id := encoded[:i]
	devicePart := encoded[i+1:]
	if id == "" {
		return Address{}, newInvalidArgumentError(fmt.Sprintf("malformed address %q", encoded))
	}
	n, err := strconv.ParseUint(devicePart, 10, 32)
	if err != nil {
		return Address{}, newInvalidArgumentError(fmt.Sprintf("malformed device id in %q: %s", encoded, err))
	}
	return Address{id: id, deviceID: uint32(n)}, nil
}

// ID returns the identity component.
func (a Address) ID() string { return a.id }

// DeviceID returns the device component.
func (a Address) DeviceID() uint32 { return a.deviceID }

// String returns the canonical "id.device_id" encoding.
func (a Address) String() string {
	return a.id + "." + strconv.FormatUint(uint64(a.deviceID), 10)
}

// Equal reports component-wise equality.
func (a Address) Equal(other Address) bool {
	return a.id == other.id && a.deviceID == other.deviceID
}
