package dhcp4

import (
	"net"
	"net/netip"
	"time"
)

// AllocRequest carries the inputs the allocator needs beyond the selected
// subnet and class.
type AllocRequest struct {
	HWAddr        net.HardwareAddr
	RequestedAddr netip.Addr
	IsBootp       bool

	// Known reports whether the client already holds a reservation or a
	// prior lease, for the known_clients_only pool filter.
	Known bool
}

// Allocate implements the allocator algorithm: reservation, then renewal of
// an existing non-expired lease, then a walk of eligible pools in priority
// order. It returns [ErrAllocationExhausted] if no address survives.
func Allocate(
	snap *snapshot,
	store *LeaseStore,
	subnet *Subnet,
	class *Class,
	req *AllocRequest,
) (addr netip.Addr, err error) {
	if reserved, ok := snap.ReservationFor(req.HWAddr); ok {
		return reserved, nil
	}

	if lease, ok := store.ByHW(req.HWAddr); ok && lease.Address.IsValid() && lease.End.After(time.Now()) {
		return lease.Address, nil
	}

	for _, pool := range snap.Pools(subnet.ID) {
		if pool.DenyBootp && req.IsBootp {
			continue
		}

		if pool.KnownClientsOnly && !req.Known {
			continue
		}

		if !pool.AllowUnknownClients && class == nil {
			continue
		}

		if addr, ok := walkPool(snap, store, subnet.ID, pool, req.HWAddr); ok {
			return addr, nil
		}
	}

	return netip.Addr{}, ErrAllocationExhausted
}

// walkPool walks pool's address range in ascending order, returning the
// first address that is not excluded, not declined, and not held by a
// different hardware address via lease or reservation.
func walkPool(
	snap *snapshot,
	store *LeaseStore,
	subnetID string,
	pool *Pool,
	hw net.HardwareAddr,
) (addr netip.Addr, ok bool) {
	exclusions := snap.Exclusions(subnetID)
	key, _ := NewHWKey(hw)

	for cur := pool.Start; ; {
		if !inAnyExclusion(cur, exclusions) && !store.IsDeclined(cur) {
			lease, held := store.ByAddr(cur)
			leaseOK := !held || hwEqual(lease.HWAddr, hw)

			holder, reserved := snap.ReservationHolder(cur)
			reservationOK := !reserved || holder == key

			if leaseOK && reservationOK {
				return cur, true
			}
		}

		if cur == pool.End {
			return netip.Addr{}, false
		}

		cur = cur.Next()
	}
}

// inAnyExclusion reports whether addr falls within any of excl.
func inAnyExclusion(addr netip.Addr, excl []*Exclusion) (yes bool) {
	for _, e := range excl {
		if !addr.Less(e.Start) && !e.End.Less(addr) {
			return true
		}
	}

	return false
}

// hwEqual reports whether two hardware addresses are byte-wise equal.
func hwEqual(a, b net.HardwareAddr) (eq bool) {
	return net.HardwareAddr.String(a) == net.HardwareAddr.String(b)
}
