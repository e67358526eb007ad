package dhcp4_test

import (
	"net"
	"testing"

	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcp4"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDiscover returns the raw wire bytes of a minimal DHCPDISCOVER
// request, suitable as input to DecodeRequest.
func buildDiscover(t *testing.T) (data []byte) {
	t.Helper()

	hw := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	msg := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          0x12345678,
		ClientHWAddr: hw,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)}),
		},
	}

	out, err := dhcp4.EncodeReply(msg, "", "")
	require.NoError(t, err)

	return out
}

func TestDecodeRequest(t *testing.T) {
	valid := buildDiscover(t)

	testCases := []struct {
		name    string
		data    []byte
		wantErr error
	}{{
		name:    "success",
		data:    valid,
		wantErr: nil,
	}, {
		name:    "short_frame",
		data:    valid[:10],
		wantErr: dhcp4.ErrShortFrame,
	}, {
		name: "bad_magic",
		data: func() []byte {
			cp := append([]byte(nil), valid...)
			cp[236] = 0x00

			return cp
		}(),
		wantErr: dhcp4.ErrBadMagic,
	}, {
		name: "not_request",
		data: func() []byte {
			cp := append([]byte(nil), valid...)
			cp[0] = byte(layers.DHCPOpReply)

			return cp
		}(),
		wantErr: dhcp4.ErrNotRequest,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := dhcp4.DecodeRequest(tc.data)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, msg)

				return
			}

			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, uint32(0x12345678), msg.Xid)
		})
	}
}

// TestEncodeReply_FieldZeroing asserts the buffer-zeroing testable property:
// sname/file are always zero-padded regardless of the pool buffer's prior
// contents, by round-tripping a message whose sname/file are shorter than
// their wire width and checking every trailing byte is zero.
func TestEncodeReply_FieldZeroing(t *testing.T) {
	msg := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		ClientHWAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5},
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeAck)}),
		},
	}

	out, err := dhcp4.EncodeReply(msg, "srv", "boot.ipxe")
	require.NoError(t, err)

	decoded := &layers.DHCPv4{}
	require.NoError(t, decoded.DecodeFromBytes(out, nil))

	assertZeroPadded(t, decoded.ServerName, "srv", 64)
	assertZeroPadded(t, decoded.File, "boot.ipxe", 128)
}

func assertZeroPadded(t *testing.T, field []byte, want string, width int) {
	t.Helper()

	require.Len(t, field, width)
	assert.Equal(t, want, string(field[:len(want)]))

	for i := len(want); i < width; i++ {
		assert.Zero(t, field[i], "byte %d of %d should be zero-padded", i, width)
	}
}

func TestResponseMessageType(t *testing.T) {
	msg := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		ClientHWAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5},
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeOffer)}),
		},
	}

	out, err := dhcp4.EncodeReply(msg, "", "")
	require.NoError(t, err)

	typ, ok := dhcp4.ResponseMessageType(out)
	require.True(t, ok)
	assert.Equal(t, layers.DHCPMsgTypeOffer, typ)

	_, ok = dhcp4.ResponseMessageType([]byte{0x01, 0x02})
	assert.False(t, ok)
}
