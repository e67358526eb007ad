package failover

import "net"

// hashHW sums hw's bytes modulo 256, the byte-wise hash the protocol's
// load-balance rule is defined over.
func hashHW(hw net.HardwareAddr) (hash uint8) {
	var sum uint8
	for _, b := range hw {
		sum += b
	}

	return sum
}

// Balancer decides, given the local server's role in the failover pair,
// which hardware addresses this server currently answers for.
type Balancer struct {
	// Split is the load-balance split point: hashes below Split go to the
	// primary, hashes at or above it go to the secondary.
	Split uint8

	// Primary is true when this server holds the primary role.
	Primary bool
}

// MayServe reports whether this server's split of the load balance covers
// hw, given the peer relationship's current state.
//
// In Normal state the split applies to a hash of the hardware address. In
// CommunicationsInterrupted, the peer may be down or merely unreachable, so
// the rule falls back to the last octet of the candidate address, which the
// caller supplies via addrLastOctet since the allocator has not yet chosen
// an address when this is first consulted for a DISCOVER.
func (b *Balancer) MayServe(state State, hw net.HardwareAddr, addrLastOctet uint8) bool {
	switch state {
	case StateNormal:
		return b.owns(hashHW(hw))
	case StateCommsInterrupted:
		return b.owns(addrLastOctet)
	case StatePartnerDown:
		return true
	default:
		return false
	}
}

// owns reports whether hash falls on this server's side of the split.
func (b *Balancer) owns(hash uint8) bool {
	if b.Primary {
		return hash < b.Split
	}

	return hash >= b.Split
}
