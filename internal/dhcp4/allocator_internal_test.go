package dhcp4

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePersister satisfies Persister with no-op durability, for tests that
// only exercise the in-memory store.
type fakePersister struct{}

func (fakePersister) ApplyBatch(context.Context, []BatchOp) error        { return nil }
func (fakePersister) LoadActiveLeases(context.Context) ([]*Lease, error) { return nil, nil }

func newTestStore(t *testing.T) (s *LeaseStore) {
	t.Helper()

	s = NewLeaseStore(testLogger(), fakePersister{}, nil, time.Hour)
	require.NoError(t, s.Warmup(context.Background()))

	return s
}

func hwAddr(t *testing.T, s string) (hw net.HardwareAddr) {
	t.Helper()

	hw, err := net.ParseMAC(s)
	require.NoError(t, err)

	return hw
}

func testSnapshot(pool *Pool, reservations map[string]netip.Addr) (snap *snapshot) {
	snap = &snapshot{
		poolsBySubnet:      map[string][]*Pool{"s1": {pool}},
		exclusionsBySubnet: map[string][]*Exclusion{},
		reservationByHW:    map[HWKey]netip.Addr{},
		reservedAddresses:  map[netip.Addr]HWKey{},
	}

	for mac, addr := range reservations {
		hw, _ := net.ParseMAC(mac)
		key, _ := NewHWKey(hw)
		snap.reservationByHW[key] = addr
		snap.reservedAddresses[addr] = key
	}

	return snap
}

func TestAllocate_ReservationWins(t *testing.T) {
	store := newTestStore(t)

	pool := &Pool{
		ID: "p1", SubnetID: "s1",
		Start: netip.MustParseAddr("192.0.2.10"),
		End:   netip.MustParseAddr("192.0.2.20"),
		AllowUnknownClients: true,
	}

	reserved := netip.MustParseAddr("192.0.2.100")
	mac := "00:11:22:33:44:55"
	snap := testSnapshot(pool, map[string]netip.Addr{mac: reserved})

	addr, err := Allocate(snap, store, &Subnet{ID: "s1"}, nil, &AllocRequest{
		HWAddr: hwAddr(t, mac),
	})
	require.NoError(t, err)
	assert.Equal(t, reserved, addr)
}

func TestAllocate_ExistingLeaseSticky(t *testing.T) {
	store := newTestStore(t)

	mac := hwAddr(t, "aa:bb:cc:dd:ee:ff")
	existing := netip.MustParseAddr("192.0.2.15")
	store.Upsert(context.Background(), &Lease{
		HWAddr:  mac,
		Address: existing,
		Start:   time.Now(),
		End:     time.Now().Add(time.Hour),
	})

	pool := &Pool{
		ID: "p1", SubnetID: "s1",
		Start: netip.MustParseAddr("192.0.2.10"),
		End:   netip.MustParseAddr("192.0.2.20"),
		AllowUnknownClients: true,
	}
	snap := testSnapshot(pool, nil)

	addr, err := Allocate(snap, store, &Subnet{ID: "s1"}, nil, &AllocRequest{HWAddr: mac})
	require.NoError(t, err)
	assert.Equal(t, existing, addr)
}

func TestAllocate_PoolWalkSkipsHeldAndExcluded(t *testing.T) {
	store := newTestStore(t)

	first := netip.MustParseAddr("192.0.2.10")
	second := netip.MustParseAddr("192.0.2.11")
	third := netip.MustParseAddr("192.0.2.12")

	otherMAC := hwAddr(t, "11:11:11:11:11:11")
	store.Upsert(context.Background(), &Lease{
		HWAddr:  otherMAC,
		Address: first,
		Start:   time.Now(),
		End:     time.Now().Add(time.Hour),
	})

	pool := &Pool{
		ID: "p1", SubnetID: "s1",
		Start: first,
		End:   third,
		AllowUnknownClients: true,
	}
	snap := testSnapshot(pool, nil)
	snap.exclusionsBySubnet["s1"] = []*Exclusion{{SubnetID: "s1", Start: second, End: second}}

	addr, err := Allocate(snap, store, &Subnet{ID: "s1"}, nil, &AllocRequest{
		HWAddr: hwAddr(t, "22:22:22:22:22:22"),
	})
	require.NoError(t, err)
	assert.Equal(t, third, addr)
}

func TestAllocate_Exhausted(t *testing.T) {
	store := newTestStore(t)

	addr := netip.MustParseAddr("192.0.2.10")
	held := hwAddr(t, "11:11:11:11:11:11")
	store.Upsert(context.Background(), &Lease{
		HWAddr:  held,
		Address: addr,
		Start:   time.Now(),
		End:     time.Now().Add(time.Hour),
	})

	pool := &Pool{
		ID: "p1", SubnetID: "s1",
		Start: addr,
		End:   addr,
		AllowUnknownClients: true,
	}
	snap := testSnapshot(pool, nil)

	_, err := Allocate(snap, store, &Subnet{ID: "s1"}, nil, &AllocRequest{
		HWAddr: hwAddr(t, "22:22:22:22:22:22"),
	})
	assert.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestAllocate_KnownClientsOnlyFilter(t *testing.T) {
	store := newTestStore(t)

	pool := &Pool{
		ID: "p1", SubnetID: "s1",
		Start:            netip.MustParseAddr("192.0.2.10"),
		End:              netip.MustParseAddr("192.0.2.10"),
		KnownClientsOnly: true,
	}
	snap := testSnapshot(pool, nil)

	_, err := Allocate(snap, store, &Subnet{ID: "s1"}, nil, &AllocRequest{
		HWAddr: hwAddr(t, "22:22:22:22:22:22"),
		Known:  false,
	})
	assert.ErrorIs(t, err, ErrAllocationExhausted)
}
