//go:build !linux

package dhcp4

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
)

// newRawDevice is unavailable on platforms without a raw packet-socket
// binding; openDevice always falls back to the portable profile here.
func newRawDevice(iface *net.Interface, srcIP net.IP) (d *rawDevice, err error) {
	return nil, fmt.Errorf("raw profile not supported on this platform")
}

// rawDevice is declared here only so the type name resolves on non-Linux
// builds; it is never constructed.
type rawDevice struct{}

func (d *rawDevice) Name() (name string)                    { return "" }
func (d *rawDevice) Close() (err error)                      { return nil }
func (d *rawDevice) SetReadDeadline(t time.Time) (err error) { return nil }

func (d *rawDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	return nil, gopacket.CaptureInfo{}, fmt.Errorf("unsupported")
}

func (d *rawDevice) WritePacketData(data []byte, addr net.Addr) (err error) {
	return fmt.Errorf("unsupported")
}
