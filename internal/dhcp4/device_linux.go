//go:build linux

package dhcp4

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// ipv4DefaultTTL is the recommended IP TTL per RFC 1700.
const ipv4DefaultTTL = 64

// dhcpServerPort and dhcpClientPort are the well-known BOOTP/DHCP ports.
const (
	dhcpServerPort = 67
	dhcpClientPort = 68
)

// rawDevice is the broadcast-capable raw profile: a packet socket bound to
// a single interface, filtering for IPv4 at the kernel via the ethertype
// passed to packet.Listen and for UDP dst-port 67 in ReadPacketData.
type rawDevice struct {
	conn    net.PacketConn
	ifName  string
	srcMAC  net.HardwareAddr
	srcIP   net.IP
}

var _ NetworkDevice = (*rawDevice)(nil)

// newRawDevice opens a raw profile device bound to iface.
func newRawDevice(iface *net.Interface, srcIP net.IP) (d *rawDevice, err error) {
	conn, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", iface.Name, err)
	}

	return &rawDevice{
		conn:   conn,
		ifName: iface.Name,
		srcMAC: iface.HardwareAddr,
		srcIP:  srcIP,
	}, nil
}

// Name implements [NetworkDevice].
func (d *rawDevice) Name() (name string) { return d.ifName }

// Close implements [NetworkDevice].
func (d *rawDevice) Close() (err error) { return d.conn.Close() }

// SetReadDeadline implements [NetworkDevice].
func (d *rawDevice) SetReadDeadline(t time.Time) (err error) { return d.conn.SetReadDeadline(t) }

// ReadPacketData implements [gopacket.PacketDataSource].  It reads one
// Ethernet frame, strips its Ethernet/IPv4/UDP headers, and returns the UDP
// payload.  A frame that is not UDP to port 67 yields an empty payload,
// which the codec rejects as a short frame.
func (d *rawDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	buf := getBuffer()
	defer putBuffer(buf)

	n, _, err := d.conn.ReadFrom(*buf)
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}

	frame := gopacket.NewPacket((*buf)[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
	udp, ok := frame.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.DstPort != dhcpServerPort {
		return nil, gopacket.CaptureInfo{CaptureLength: n, Length: n}, nil
	}

	out := make([]byte, len(udp.Payload))
	copy(out, udp.Payload)

	return out, gopacket.CaptureInfo{CaptureLength: n, Length: n}, nil
}

// WritePacketData implements [NetworkDevice].  addr is either a
// *unicastAddr (unicast to the client's hardware address and just-assigned
// IP) or a *net.UDPAddr (relay unicast or limited broadcast).
func (d *rawDevice) WritePacketData(payload []byte, addr net.Addr) (err error) {
	switch a := addr.(type) {
	case *unicastAddr:
		frame, ferr := d.buildFrame(payload, a.YIAddr, a.HWAddr, dhcpClientPort)
		if ferr != nil {
			return ferr
		}

		_, err = d.conn.WriteTo(frame, &packet.Addr{HardwareAddr: a.HWAddr})

		return err
	case *net.UDPAddr:
		dst := a.IP
		bcastMAC := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

		frame, ferr := d.buildFrame(payload, dst, bcastMAC, a.Port)
		if ferr != nil {
			return ferr
		}

		_, err = d.conn.WriteTo(frame, &packet.Addr{HardwareAddr: bcastMAC})

		return err
	default:
		return fmt.Errorf("addr has unexpected type %T", addr)
	}
}

// buildFrame wraps payload in Ethernet/IPv4/UDP frames destined for
// dstIP:dstPort and dstMAC.
func (d *rawDevice) buildFrame(
	payload []byte,
	dstIP net.IP,
	dstMAC net.HardwareAddr,
	dstPort int,
) (frame []byte, err error) {
	udpLayer := &layers.UDP{SrcPort: dhcpServerPort, DstPort: layers.UDPPort(dstPort)}

	ipLayer := &layers.IPv4{
		Version:  4,
		Flags:    layers.IPv4DontFragment,
		TTL:      ipv4DefaultTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    d.srcIP,
		DstIP:    dstIP,
	}
	_ = udpLayer.SetNetworkLayerForChecksum(ipLayer)

	ethLayer := &layers.Ethernet{
		SrcMAC:       d.srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err = gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, udpLayer, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())

	return out, nil
}
