package appkey

import "errors"

var (
	// ErrNoSpace reports that an enumeration result would exceed the
	// caller's buffer. Local capacity failure, not a protocol status.
	ErrNoSpace = errors.New("appkey: destination buffer too small")

	// ErrRestoreFailed wraps failures while rematerializing a key from
	// durable storage. Kept distinct from the live-protocol statuses:
	// restore errors are startup I/O failures, not messages to reject.
	ErrRestoreFailed = errors.New("appkey: restore failed")

	// ErrKeyNotFound reports an unknown AppKey index during resolution.
	ErrKeyNotFound = errors.New("appkey: unknown appkey index")

	// ErrSubnetNotFound reports a missing subnet during resolution.
	ErrSubnetNotFound = errors.New("appkey: unknown netkey index")

	// ErrDevKeyUnresolved reports that no device key could be produced for
	// the requested destination.
	ErrDevKeyUnresolved = errors.New("appkey: no device key for address")
)
