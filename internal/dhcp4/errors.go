// Package dhcp4 implements the DHCPv4 packet pipeline: link capture, wire
// codec, configuration indexing, lease storage, allocation and the request
// dispatcher.
package dhcp4

import "github.com/AdguardTeam/golibs/errors"

// Sentinel errors produced by the wire codec.  They are the three decode
// failure kinds a pooled capture buffer can carry; all three are dropped
// silently by the ingress fan-in and never produce a reply.
const (
	// ErrShortFrame is returned when a captured frame is shorter than the
	// fixed 236-byte BOOTP header plus the 4-byte magic cookie.
	ErrShortFrame errors.Error = "short frame"

	// ErrBadMagic is returned when the magic cookie at offset 236 does not
	// equal 63:82:53:63.
	ErrBadMagic errors.Error = "bad magic cookie"

	// ErrNotRequest is returned when the op field is not BOOTREQUEST(1).
	ErrNotRequest errors.Error = "not a bootrequest"
)

// Error-taxonomy sentinels named in the error handling design.  Of these,
// only ErrAllocationExhausted is returned by code in this module (by the
// allocator); the others name failure kinds that no code path here returns
// or records.
const (
	// ErrAllocationExhausted is returned by the allocator when no eligible
	// pool has a free address left.
	ErrAllocationExhausted errors.Error = "no free address in eligible pools"

	// ErrLeaseConflict names a REQUESTed address held by a hardware address
	// other than the requester's.
	ErrLeaseConflict errors.Error = "address held by another client"

	// ErrReservationMismatch names a REQUESTed address that does not match
	// the address reserved for the requesting hardware address.
	ErrReservationMismatch errors.Error = "requested address does not match reservation"

	// ErrPersistenceFailure names a failed batch commit to the relational
	// store.
	ErrPersistenceFailure errors.Error = "persistence commit failed"

	// ErrDdnsFailure names a DDNS update that is rejected or times out.
	ErrDdnsFailure errors.Error = "ddns update failed"

	// ErrPeerLost names the loss of the failover TCP connection.
	ErrPeerLost errors.Error = "failover peer connection lost"

	// ErrPeerRejected names a CONNECTACK carrying a non-zero reject reason.
	ErrPeerRejected errors.Error = "failover peer rejected connection"

	// ErrFatalInit names an unrecoverable construction failure: bind
	// failure, missing configuration, unreachable database.
	ErrFatalInit errors.Error = "fatal initialization error"
)

// errNilConfig is returned when a nil configuration is supplied to New.
const errNilConfig errors.Error = "config is nil"

// errNoInterfaces is returned when a configuration has no interfaces.
const errNoInterfaces errors.Error = "no interfaces specified"
