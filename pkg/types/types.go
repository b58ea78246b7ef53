package types

import "fmt"

// Addr is a 16-bit mesh element address.
type Addr uint16

const (
	AddrUnassigned Addr = 0x0000
	AddrAllNodes   Addr = 0xffff
)

// IsUnicast reports whether the address is a unicast element address.
// Device keys are only valid for unicast destinations.
func (a Addr) IsUnicast() bool {
	return a != AddrUnassigned && a < 0x8000
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%04x", uint16(a))
}

// KeyEvent is a key lifecycle event, shared between the subnet and AppKey
// fan-outs.
type KeyEvent int

const (
	KeyAdded KeyEvent = iota
	KeyUpdated
	KeyDeleted
	KeyRevoked
	KeySwapped
)

func (e KeyEvent) String() string {
	switch e {
	case KeyAdded:
		return "added"
	case KeyUpdated:
		return "updated"
	case KeyDeleted:
		return "deleted"
	case KeyRevoked:
		return "revoked"
	case KeySwapped:
		return "swapped"
	default:
		return "unknown"
	}
}
