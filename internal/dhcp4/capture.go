package dhcp4

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket/layers"
)

// InboundPacket is a decoded request together with the data needed to reply
// to it on the interface it arrived on.
type InboundPacket struct {
	Msg       *layers.DHCPv4
	IfaceName string
	Device    NetworkDevice
}

// readTimeout bounds each poll so that shutdown cancellation is observed
// within about one second even with no incoming traffic.
const readTimeout = time.Second

// Ingress is the bounded fan-in queue: one or more receivers push decoded
// packets, a single dispatcher goroutine consumes them. Overflow drops the
// oldest queued packet, making lossy backpressure explicit rather than
// blocking a receiver indefinitely.
type Ingress struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue chan *InboundPacket

	metrics *ingressMetrics
}

// NewIngress constructs an Ingress with the given bounded capacity.
func NewIngress(logger *slog.Logger, capacity int, m *ingressMetrics) (g *Ingress) {
	return &Ingress{
		logger:  logger,
		queue:   make(chan *InboundPacket, capacity),
		metrics: m,
	}
}

// Push enqueues pkt, dropping the oldest queued packet first if the queue
// is full.
func (g *Ingress) Push(ctx context.Context, pkt *InboundPacket) {
	select {
	case g.queue <- pkt:
		return
	default:
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case dropped := <-g.queue:
		_ = dropped
		g.metrics.dropped.Inc()
		g.logger.WarnContext(ctx, "ingress queue full, dropping oldest packet")
	default:
	}

	select {
	case g.queue <- pkt:
	default:
		// Another producer raced us and refilled the queue; drop pkt
		// itself rather than block.
		g.metrics.dropped.Inc()
	}
}

// Receive blocks until a packet is available or ctx is done.
func (g *Ingress) Receive(ctx context.Context) (pkt *InboundPacket, ok bool) {
	select {
	case pkt = <-g.queue:
		return pkt, true
	case <-ctx.Done():
		return nil, false
	}
}

// RunReceiver reads frames from device until ctx is canceled, decoding each
// one and pushing successful decodes into ingress. Decode failures
// (short frame, bad magic, non-request op, truncated options) are counted
// and dropped silently, per the error-taxonomy policy for DecodeError and
// OptionOverflow.
func RunReceiver(ctx context.Context, logger *slog.Logger, device NetworkDevice, ingress *Ingress, m *ingressMetrics) {
	ifaceLogger := logger.With("interface", device.Name())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := device.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			ifaceLogger.ErrorContext(ctx, "setting read deadline", slogutil.KeyError, err)

			return
		}

		data, _, err := device.ReadPacketData()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return
			}

			ifaceLogger.ErrorContext(ctx, "reading packet", slogutil.KeyError, err)

			continue
		}

		msg, derr := DecodeRequest(data)
		if derr != nil {
			m.decodeErrors.Inc()

			continue
		}

		ingress.Push(ctx, &InboundPacket{Msg: msg, IfaceName: device.Name(), Device: device})
	}
}

// isTimeout reports whether err is a network timeout, the expected outcome
// of the bounded read deadline when no traffic arrives.
func isTimeout(err error) (timeout bool) {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SendReply writes resp's encoded bytes to the destination destinationFor
// picks for req, checked in this order: relay unicast to giaddr when giaddr
// is set, limited broadcast for NAKs, unicast to ciaddr when ciaddr is set,
// link-layer unicast to the client's hardware address and yiaddr when the
// broadcast flag is clear, and limited broadcast otherwise.  A
// broadcast-flagged request that carries a ciaddr is answered by unicast to
// ciaddr.  The portable profile sends the link-layer unicast case as a
// limited broadcast.
func SendReply(
	ctx context.Context,
	logger *slog.Logger,
	device NetworkDevice,
	req *layers.DHCPv4,
	data []byte,
) {
	dst := destinationFor(req, data)

	if err := device.WritePacketData(data, dst); err != nil {
		logger.ErrorContext(ctx, "sending reply", "dst", dst, slogutil.KeyError, err)
	}
}

// destinationFor implements the send-destination rule from the link
// capture design, given the already-encoded reply bytes (needed to classify
// the reply's own message type for the NAK special case and to read the
// assigned yiaddr for link-layer unicast).
func destinationFor(req *layers.DHCPv4, respData []byte) (addr net.Addr) {
	respType, _ := ResponseMessageType(respData)

	giaddr := req.RelayAgentIP
	ciaddr := req.ClientIP

	switch {
	case giaddr != nil && !giaddr.IsUnspecified():
		return &net.UDPAddr{IP: giaddr, Port: dhcpServerPortConst}
	case respType == layers.DHCPMsgTypeNak:
		return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpClientPortConst}
	case ciaddr != nil && !ciaddr.IsUnspecified():
		return &net.UDPAddr{IP: ciaddr, Port: dhcpClientPortConst}
	case req.Flags&0x8000 == 0 && req.ClientHWAddr != nil && len(respData) >= 20:
		// yiaddr occupies bytes 16..20 of the reply's fixed header.
		return &unicastAddr{HWAddr: req.ClientHWAddr, YIAddr: net.IP(respData[16:20])}
	default:
		return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpClientPortConst}
	}
}

// dhcpServerPortConst and dhcpClientPortConst mirror the build-tag-specific
// port constants so destinationFor compiles regardless of platform.
const (
	dhcpServerPortConst = 67
	dhcpClientPortConst = 68
)
