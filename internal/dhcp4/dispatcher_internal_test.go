package dhcp4

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex(t *testing.T) (idx *ConfigIndex) {
	t.Helper()

	idx = NewConfigIndex(testLogger(), func(ctx context.Context) (*Config, error) {
		return testConfig(), nil
	})
	_, err := idx.Snapshot(context.Background())
	require.NoError(t, err)

	return idx
}

func testDispatcher(t *testing.T) (d *Dispatcher) {
	t.Helper()

	return NewDispatcher(
		testLogger(),
		testIndex(t),
		newTestStore(t),
		nil,
		nil,
		netip.MustParseAddr("192.0.2.1"),
		nil,
	)
}

func ipv4Option(code layers.DHCPOpt, ip netip.Addr) layers.DHCPOption {
	return layers.NewDHCPOption(code, ip.AsSlice())
}

func TestDispatcher_HandleDiscover(t *testing.T) {
	d := testDispatcher(t)

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          1,
		ClientHWAddr: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01},
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)}),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	require.NotNil(t, reply)

	typ, ok := ResponseMessageType(reply)
	require.True(t, ok)
	assert.Equal(t, layers.DHCPMsgTypeOffer, typ)
}

func TestDispatcher_HandleRequest_SelectingAcksOffer(t *testing.T) {
	d := testDispatcher(t)

	addr := netip.MustParseAddr("192.0.2.10")
	hw := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x02}

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          2,
		ClientHWAddr: hw,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			ipv4Option(layers.DHCPOptServerID, netip.MustParseAddr("192.0.2.1")),
			ipv4Option(layers.DHCPOptRequestIP, addr),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	require.NotNil(t, reply)

	typ, ok := ResponseMessageType(reply)
	require.True(t, ok)
	assert.Equal(t, layers.DHCPMsgTypeAck, typ)

	lease, ok := d.store.ByHW(hw)
	require.True(t, ok)
	assert.Equal(t, addr, lease.Address)
}

func TestDispatcher_HandleRequest_SelectingOtherServerIgnored(t *testing.T) {
	d := testDispatcher(t)

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		ClientHWAddr: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x03},
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			ipv4Option(layers.DHCPOptServerID, netip.MustParseAddr("192.0.2.99")),
			ipv4Option(layers.DHCPOptRequestIP, netip.MustParseAddr("192.0.2.10")),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	assert.Nil(t, reply)
}

func TestDispatcher_HandleRequest_ReservationMismatchNaks(t *testing.T) {
	d := testDispatcher(t)

	reservedHW := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		ClientHWAddr: reservedHW,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			ipv4Option(layers.DHCPOptRequestIP, netip.MustParseAddr("192.0.2.11")),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	require.NotNil(t, reply)

	typ, ok := ResponseMessageType(reply)
	require.True(t, ok)
	assert.Equal(t, layers.DHCPMsgTypeNak, typ)
}

func TestDispatcher_HandleRequest_ConflictingLeaseNaks(t *testing.T) {
	d := testDispatcher(t)

	addr := netip.MustParseAddr("192.0.2.15")
	holder := net.HardwareAddr{1, 1, 1, 1, 1, 1}
	requester := net.HardwareAddr{2, 2, 2, 2, 2, 2}

	d.store.Upsert(context.Background(), &Lease{
		HWAddr:  holder,
		Address: addr,
		End:     timeNowPlusHour(),
	})

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		ClientHWAddr: requester,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			ipv4Option(layers.DHCPOptRequestIP, addr),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	require.NotNil(t, reply)

	typ, ok := ResponseMessageType(reply)
	require.True(t, ok)
	assert.Equal(t, layers.DHCPMsgTypeNak, typ)
}

func TestDispatcher_HandleRelease(t *testing.T) {
	d := testDispatcher(t)

	hw := net.HardwareAddr{5, 5, 5, 5, 5, 5}
	addr := netip.MustParseAddr("192.0.2.16")

	d.store.Upsert(context.Background(), &Lease{HWAddr: hw, Address: addr, End: timeNowPlusHour()})

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		ClientHWAddr: hw,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRelease)}),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	assert.Nil(t, reply)

	_, ok := d.store.ByHW(hw)
	assert.False(t, ok)
}

func TestDispatcher_HandleBootp_NoMessageTypeGetsAck(t *testing.T) {
	d := testDispatcher(t)

	hw := net.HardwareAddr{9, 9, 9, 9, 9, 9}

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		ClientHWAddr: hw,
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	require.NotNil(t, reply)

	typ, ok := ResponseMessageType(reply)
	require.True(t, ok)
	assert.Equal(t, layers.DHCPMsgTypeAck, typ)

	lease, ok := d.store.ByHW(hw)
	require.True(t, ok)
	assert.True(t, lease.Address.IsValid())
}

func TestDispatcher_HandleDecline(t *testing.T) {
	d := testDispatcher(t)

	addr := netip.MustParseAddr("192.0.2.17")

	req := &layers.DHCPv4{
		Operation: layers.DHCPOpRequest,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDecline)}),
			ipv4Option(layers.DHCPOptRequestIP, addr),
		},
	}

	reply := d.Handle(context.Background(), &InboundPacket{Msg: req, IfaceName: "eth0"})
	assert.Nil(t, reply)
	assert.True(t, d.store.IsDeclined(addr))
}
