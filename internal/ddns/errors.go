// Package ddns builds and sends RFC 2136 Dynamic DNS updates, signed with
// TSIG per RFC 2845, for forward (A) and reverse (PTR) records.
package ddns

import "github.com/AdguardTeam/golibs/errors"

// RCODE-mapped sentinel errors, named after the DNS response codes they
// correspond to.  rcodeError maps a response's RCODE to one of these.
const (
	ErrFormErr  errors.Error = "ddns: server reported format error"
	ErrServFail errors.Error = "ddns: server reported server failure"
	ErrNXDomain errors.Error = "ddns: server reported name does not exist"
	ErrNotImpl  errors.Error = "ddns: server does not implement update"
	ErrRefused  errors.Error = "ddns: server refused the update"
	ErrYXDomain errors.Error = "ddns: name should not exist but does"
	ErrYXRRSet  errors.Error = "ddns: rrset should not exist but does"
	ErrNXRRSet  errors.Error = "ddns: rrset should exist but does not"
	ErrNotAuth  errors.Error = "ddns: server is not authoritative for zone"
	ErrNotZone  errors.Error = "ddns: name is not in the zone"
)

// errNoTSIGSecret is returned when a config names a TSIG key but its secret
// cannot be base64-decoded.
const errNoTSIGSecret errors.Error = "ddns: invalid tsig secret encoding"

// errUnsupportedAlgorithm is returned when a config names a TSIG algorithm
// this client does not implement.
const errUnsupportedAlgorithm errors.Error = "ddns: unsupported tsig algorithm"
