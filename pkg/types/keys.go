package types

import (
	"encoding/hex"
	"fmt"
)

// KeyIndex is a 12-bit AppKey or NetKey index. The top of the 16-bit range
// is reserved for sentinels.
type KeyIndex uint16

const (
	// KeyUnused marks an empty key slot. Doubles as the "not supplied"
	// value in operations that take an optional NetKey index.
	KeyUnused KeyIndex = 0xffff
	// KeyAny is the wildcard NetKey index filter for enumeration.
	KeyAny KeyIndex = 0xffff
	// KeyDevLocal addresses the node's own device key.
	KeyDevLocal KeyIndex = 0xfffe
	// KeyDevRemote addresses another node's device key, resolved through
	// the configuration database.
	KeyDevRemote KeyIndex = 0xfffd
)

// IsDevKey reports whether the index selects a device key rather than an
// entry in the AppKey table.
func (i KeyIndex) IsDevKey() bool {
	return i == KeyDevLocal || i == KeyDevRemote
}

func (i KeyIndex) String() string {
	return fmt.Sprintf("0x%03x", uint16(i))
}

// Key is a 128-bit symmetric mesh key value.
type Key [16]byte

func KeyFromBytes(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != len(Key{}) {
		return Key{}, fmt.Errorf("invalid key length: expected %d bytes, got %d", len(Key{}), len(b))
	}
	return KeyFromBytes(b), nil
}

func (k Key) Bytes() []byte {
	return k[:]
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
