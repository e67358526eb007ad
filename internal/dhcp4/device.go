package dhcp4

import (
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
)

// NetworkDevice is the capture/send abstraction a link-capture profile
// implements: raw packet-socket on platforms that support it, portable
// broadcast UDP socket otherwise.
type NetworkDevice interface {
	gopacket.PacketDataSource
	io.Closer

	// Name is the bound interface name, empty for the portable profile
	// (which cannot attribute a receipt to one interface).
	Name() string

	// WritePacketData sends a fully-framed packet (for the raw profile) or
	// a bare UDP payload (for the portable profile; implementations are
	// responsible for wrapping appropriately) to addr.
	WritePacketData(data []byte, addr net.Addr) (err error)

	// SetReadDeadline bounds how long ReadPacketData blocks, so shutdown is
	// observed within about one second even with no traffic.
	SetReadDeadline(t time.Time) (err error)
}

// unicastAddr pairs a client's hardware address with the address the
// server just assigned it, for the raw profile's link-layer unicast reply
// path.
type unicastAddr struct {
	HWAddr  net.HardwareAddr
	YIAddr  net.IP
}

func (a *unicastAddr) Network() string { return "raw" }
func (a *unicastAddr) String() string  { return a.HWAddr.String() + "/" + a.YIAddr.String() }
