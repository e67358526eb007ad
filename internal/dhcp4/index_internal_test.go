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

func testConfig() (cfg *Config) {
	return &Config{
		Subnets: []*Subnet{{
			ID:            "lan",
			Network:       netip.MustParsePrefix("192.0.2.0/24"),
			DefaultLease:  time.Hour,
			MaxLease:      2 * time.Hour,
			InterfaceName: "eth0",
			Enabled:       true,
		}, {
			ID:           "guest",
			Network:      netip.MustParsePrefix("198.51.100.0/24"),
			DefaultLease: time.Hour,
			MaxLease:     2 * time.Hour,
			Enabled:      true,
		}},
		Pools: []*Pool{{
			ID:                  "lan-pool",
			SubnetID:            "lan",
			Start:               netip.MustParseAddr("192.0.2.10"),
			End:                 netip.MustParseAddr("192.0.2.200"),
			AllowUnknownClients: true,
			Enabled:             true,
		}},
		Classes: []*Class{{
			ID:         "pxe",
			Match:      MatchVendorClass,
			MatchValue: "PXEClient",
			Priority:   1,
			Enabled:    true,
		}},
		Reservations: []*Reservation{{
			HWAddr:  net.HardwareAddr{0, 1, 2, 3, 4, 5},
			Address: netip.MustParseAddr("192.0.2.50"),
		}},
	}
}

func TestConfigIndex_Snapshot_Refresh(t *testing.T) {
	calls := 0
	refresh := func(ctx context.Context) (*Config, error) {
		calls++

		return testConfig(), nil
	}

	idx := NewConfigIndex(testLogger(), refresh)

	snap, err := idx.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.subnetsOrder, 2)
	assert.Equal(t, 1, calls)

	// Cached; no further refresh call.
	_, err = idx.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	idx.Invalidate()
	_, err = idx.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestConfigIndex_Snapshot_ServesStaleOnRefreshError(t *testing.T) {
	fail := false
	refresh := func(ctx context.Context) (*Config, error) {
		if fail {
			return nil, assert.AnError
		}

		return testConfig(), nil
	}

	idx := NewConfigIndex(testLogger(), refresh)

	_, err := idx.Snapshot(context.Background())
	require.NoError(t, err)

	idx.Invalidate()
	fail = true

	snap, err := idx.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.subnetsOrder, 2)
}

func TestSnapshot_SelectSubnet(t *testing.T) {
	snap := buildSnapshot(testConfig())

	testCases := []struct {
		giaddr, ciaddr, reqAddr netip.Addr
		iface                  string
		wantID                 string
		name                   string
	}{{
		name:   "giaddr",
		giaddr: netip.MustParseAddr("198.51.100.1"),
		wantID: "guest",
	}, {
		name:   "ciaddr",
		ciaddr: netip.MustParseAddr("192.0.2.5"),
		wantID: "lan",
	}, {
		name:    "requested",
		reqAddr: netip.MustParseAddr("198.51.100.9"),
		wantID:  "guest",
	}, {
		name:   "interface",
		iface:  "eth0",
		wantID: "lan",
	}, {
		name:   "fallback_first",
		wantID: "lan",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := snap.SelectSubnet(tc.giaddr, tc.ciaddr, tc.reqAddr, tc.iface)
			require.NotNil(t, s)
			assert.Equal(t, tc.wantID, s.ID)
		})
	}
}

func TestSnapshot_MatchClass(t *testing.T) {
	snap := buildSnapshot(testConfig())

	c := snap.MatchClass("Vendor:PXEClient:Arch:00000", nil, "")
	require.NotNil(t, c)
	assert.Equal(t, "pxe", c.ID)

	none := snap.MatchClass("SomethingElse", nil, "")
	assert.Nil(t, none)
}

func TestSnapshot_ReservationFor(t *testing.T) {
	snap := buildSnapshot(testConfig())

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	addr, ok := snap.ReservationFor(hw)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.50"), addr)

	_, ok = snap.ReservationFor(net.HardwareAddr{9, 9, 9, 9, 9, 9})
	assert.False(t, ok)
}
