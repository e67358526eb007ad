package dhcp4

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// portableDevice is the fallback profile: a UDP socket bound to the
// wildcard address on port 67 with broadcast enabled. The interface of
// receipt is unknown and always reported as empty, per the link-capture
// contract. It builds on every platform, so it is available as a
// raw-profile fallback on Linux as well as the only profile elsewhere.
type portableDevice struct {
	conn net.PacketConn
}

var _ NetworkDevice = (*portableDevice)(nil)

// newPortableDevice opens the portable-profile broadcast UDP socket.
func newPortableDevice() (d *portableDevice, err error) {
	conn, err := server4.NewIPv4UDPConn("", &net.UDPAddr{
		IP:   net.IPv4zero,
		Port: dhcpv4.ServerPort,
	})
	if err != nil {
		return nil, fmt.Errorf("creating portable udp socket: %w", err)
	}

	return &portableDevice{conn: conn}, nil
}

// Name implements [NetworkDevice]; the portable profile cannot attribute a
// receipt to an interface.
func (d *portableDevice) Name() (name string) { return "" }

// Close implements [NetworkDevice].
func (d *portableDevice) Close() (err error) { return d.conn.Close() }

// SetReadDeadline implements [NetworkDevice].
func (d *portableDevice) SetReadDeadline(t time.Time) (err error) {
	return d.conn.SetReadDeadline(t)
}

// ReadPacketData implements [gopacket.PacketDataSource].
func (d *portableDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	buf := getBuffer()
	defer putBuffer(buf)

	n, _, err := d.conn.ReadFrom(*buf)
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}

	out := make([]byte, n)
	copy(out, (*buf)[:n])

	return out, gopacket.CaptureInfo{CaptureLength: n, Length: n}, nil
}

// WritePacketData implements [NetworkDevice].  A UDP socket cannot address
// a client by hardware address, so a *unicastAddr destination is sent as a
// limited broadcast to the client port instead.
func (d *portableDevice) WritePacketData(payload []byte, addr net.Addr) (err error) {
	if _, isUnicast := addr.(*unicastAddr); isUnicast {
		addr = &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpClientPortConst}
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("portable profile cannot address %T", addr)
	}

	_, err = d.conn.WriteTo(payload, udpAddr)

	return err
}
