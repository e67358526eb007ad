package dhcp4

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseStore_UpsertAndLookup(t *testing.T) {
	store := newTestStore(t)

	hw := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	addr := netip.MustParseAddr("192.0.2.20")

	store.Upsert(context.Background(), &Lease{
		HWAddr:  hw,
		Address: addr,
		Start:   time.Now(),
		End:     time.Now().Add(time.Hour),
	})

	byHW, ok := store.ByHW(hw)
	require.True(t, ok)
	assert.Equal(t, addr, byHW.Address)

	byAddr, ok := store.ByAddr(addr)
	require.True(t, ok)
	assert.Equal(t, hw.String(), byAddr.HWAddr.String())
}

func TestLeaseStore_ByHW_Miss(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.ByHW(net.HardwareAddr{9, 9, 9, 9, 9, 9})
	assert.False(t, ok)
}

func TestLeaseStore_DeleteByHW(t *testing.T) {
	store := newTestStore(t)

	hw := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	addr := netip.MustParseAddr("192.0.2.20")

	store.Upsert(context.Background(), &Lease{HWAddr: hw, Address: addr, End: time.Now().Add(time.Hour)})
	store.DeleteByHW(context.Background(), hw)

	_, ok := store.ByHW(hw)
	assert.False(t, ok)

	_, ok = store.ByAddr(addr)
	assert.False(t, ok)
}

func TestLeaseStore_AddressChangeDropsOldIndexEntry(t *testing.T) {
	store := newTestStore(t)

	hw := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	oldAddr := netip.MustParseAddr("192.0.2.20")
	newAddr := netip.MustParseAddr("192.0.2.21")

	store.Upsert(context.Background(), &Lease{HWAddr: hw, Address: oldAddr, End: time.Now().Add(time.Hour)})
	store.Upsert(context.Background(), &Lease{HWAddr: hw, Address: newAddr, End: time.Now().Add(time.Hour)})

	_, ok := store.ByAddr(oldAddr)
	assert.False(t, ok)

	lease, ok := store.ByAddr(newAddr)
	require.True(t, ok)
	assert.Equal(t, hw.String(), lease.HWAddr.String())
}

func TestLeaseStore_Sweep(t *testing.T) {
	store := newTestStore(t)

	expired := net.HardwareAddr{1, 1, 1, 1, 1, 1}
	active := net.HardwareAddr{2, 2, 2, 2, 2, 2}

	store.Upsert(context.Background(), &Lease{
		HWAddr:  expired,
		Address: netip.MustParseAddr("192.0.2.10"),
		End:     time.Now().Add(-time.Minute),
	})
	store.Upsert(context.Background(), &Lease{
		HWAddr:  active,
		Address: netip.MustParseAddr("192.0.2.11"),
		End:     time.Now().Add(time.Hour),
	})

	removed := store.Sweep(time.Now())
	assert.Equal(t, 1, removed)

	_, ok := store.ByHW(expired)
	assert.False(t, ok)

	_, ok = store.ByHW(active)
	assert.True(t, ok)
}

func TestLeaseStore_MarkDeclined(t *testing.T) {
	store := newTestStore(t)

	addr := netip.MustParseAddr("192.0.2.30")
	hw := net.HardwareAddr{3, 3, 3, 3, 3, 3}

	store.Upsert(context.Background(), &Lease{HWAddr: hw, Address: addr, End: time.Now().Add(time.Hour)})

	store.MarkDeclined(context.Background(), addr)

	assert.True(t, store.IsDeclined(addr))

	_, ok := store.ByAddr(addr)
	assert.False(t, ok)
	_, ok = store.ByHW(hw)
	assert.False(t, ok)
}

// TestLeaseStore_ConcurrentAccess exercises the two independent sync.Map
// indexes under concurrent upserts, confirming no data race and that every
// hardware address ends up resolvable by the end.
func TestLeaseStore_ConcurrentAccess(t *testing.T) {
	store := newTestStore(t)

	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			hw := net.HardwareAddr{0, 0, 0, 0, 0, byte(i)}
			addr := netip.AddrFrom4([4]byte{192, 0, 2, byte(i)})

			store.Upsert(context.Background(), &Lease{
				HWAddr:  hw,
				Address: addr,
				End:     time.Now().Add(time.Hour),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		hw := net.HardwareAddr{0, 0, 0, 0, 0, byte(i)}
		_, ok := store.ByHW(hw)
		assert.True(t, ok)
	}
}
