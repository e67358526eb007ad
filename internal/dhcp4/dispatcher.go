package dhcp4

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
)

// DDNSNotifier is the boundary to the DDNS client: the dispatcher calls it
// on ACK with a usable hostname, never waiting for it to complete before
// returning the reply bytes.
type DDNSNotifier interface {
	NotifyACK(ctx context.Context, lease *Lease, cfg *DDNSConfig)
	NotifyRelease(ctx context.Context, lease *Lease, cfg *DDNSConfig)
}

// BindingReplicator is the boundary to the failover engine.
type BindingReplicator interface {
	// ReplicateBinding sends a BNDUPD for lease to the peer.
	ReplicateBinding(ctx context.Context, lease *Lease)

	// ReplicateRelease sends a BNDUPD marking addr Released/Free.
	ReplicateRelease(ctx context.Context, addr netip.Addr, hw net.HardwareAddr)

	// MayServe reports whether this server's split of the failover load
	// balance currently covers hw. A nil BindingReplicator (failover
	// disabled) always may serve.
	MayServe(hw net.HardwareAddr) bool
}

// Dispatcher implements the message-type-driven request state machine: for
// each inbound request it selects a subnet and class, calls the allocator,
// applies the lease store, and produces a reply.
type Dispatcher struct {
	logger *slog.Logger

	index *ConfigIndex
	store *LeaseStore

	ddns       DDNSNotifier
	replicator BindingReplicator

	serverID netip.Addr

	metrics *dispatchMetrics
}

// NewDispatcher constructs a Dispatcher. ddns and replicator may be nil if
// those subsystems are disabled.
func NewDispatcher(
	logger *slog.Logger,
	index *ConfigIndex,
	store *LeaseStore,
	ddns DDNSNotifier,
	replicator BindingReplicator,
	serverID netip.Addr,
	reg prometheus.Registerer,
) (d *Dispatcher) {
	return &Dispatcher{
		logger:     logger,
		index:      index,
		store:      store,
		ddns:       ddns,
		replicator: replicator,
		serverID:   serverID,
		metrics:    newDispatchMetrics(reg),
	}
}

// SetReplicator installs the failover replicator after construction, for
// the case where the replicator itself depends on the dispatcher's lease
// store (see [Server.LeaseStore]) and so cannot be built before it.
func (d *Dispatcher) SetReplicator(r BindingReplicator) {
	d.replicator = r
}

// Handle processes one decoded request and returns the encoded reply, if
// any. A nil return means no reply should be sent: RELEASE, DECLINE, a
// DISCOVER or BOOTP request with no free address or outside this server's
// failover split, a REQUEST naming another server, or a request for which
// no configuration snapshot or subnet is available. Unrecognized message
// types get a NAK.
func (d *Dispatcher) Handle(ctx context.Context, pkt *InboundPacket) (reply []byte) {
	req := pkt.Msg

	mtype, hasType := msg4Type(req)

	snap, err := d.index.Snapshot(ctx)
	if err != nil {
		d.logger.ErrorContext(ctx, "loading configuration snapshot", slogutil.KeyError, err)

		return nil
	}

	giaddr, _ := netip.AddrFromSlice(req.RelayAgentIP.To4())
	ciaddr, _ := netip.AddrFromSlice(req.ClientIP.To4())
	reqAddr, hasReqAddr := requestedIPv4(req)

	var reqAddrForSelection netip.Addr
	if hasReqAddr {
		reqAddrForSelection = reqAddr
	}

	subnet := snap.SelectSubnet(giaddr, ciaddr, reqAddrForSelection, pkt.IfaceName)
	if subnet == nil {
		d.logger.WarnContext(ctx, "no subnet selected for request")

		return nil
	}

	class := snap.MatchClass(vendorClass4(req), req.ClientHWAddr, hostname4(req))

	// A BOOTREQUEST carrying no message-type option (option 53) is a legacy
	// BOOTP client: the distinction is a flag on the request, not a separate
	// message type, and it gets a single allocate-and-reply exchange rather
	// than the DISCOVER/OFFER/REQUEST/ACK handshake.
	if !hasType {
		return d.handleBootp(ctx, snap, subnet, class, req)
	}

	switch mtype {
	case layers.DHCPMsgTypeDiscover:
		return d.handleDiscover(ctx, snap, subnet, class, req)
	case layers.DHCPMsgTypeRequest:
		return d.handleRequest(ctx, snap, subnet, class, req)
	case layers.DHCPMsgTypeRelease:
		d.handleRelease(ctx, req, subnet)

		return nil
	case layers.DHCPMsgTypeDecline:
		d.handleDecline(ctx, req)

		return nil
	case layers.DHCPMsgTypeInform:
		return d.handleInform(ctx, subnet, req)
	default:
		return d.nak(req, "")
	}
}

// handleDiscover implements the DISCOVER row: call the allocator without
// writing a lease, gated first by the failover load-balance split.
func (d *Dispatcher) handleDiscover(
	ctx context.Context,
	snap *snapshot,
	subnet *Subnet,
	class *Class,
	req *layers.DHCPv4,
) (reply []byte) {
	if d.replicator != nil && !d.replicator.MayServe(req.ClientHWAddr) {
		return nil
	}

	allocReq := &AllocRequest{
		HWAddr:  req.ClientHWAddr,
		IsBootp: false,
		Known:   d.isKnown(snap, req.ClientHWAddr),
	}

	addr, err := Allocate(snap, d.store, subnet, class, allocReq)
	if err != nil {
		d.metrics.allocations.WithLabelValues("exhausted").Inc()

		return nil
	}

	d.metrics.allocations.WithLabelValues("offered").Inc()

	resp := d.buildReply(req, layers.DHCPMsgTypeOffer, subnet)
	resp.YourClientIP = addr.AsSlice()

	ttl := leaseDuration(subnet, req)
	appendLeaseTime(resp, ttl)
	d.appendOptions(resp, req, subnet, class)

	return d.finish(resp)
}

// handleRequest implements the REQUEST row, distinguishing SELECTING,
// INIT-REBOOT, and RENEWING/REBINDING per the adopted Open Question
// decision.
func (d *Dispatcher) handleRequest(
	ctx context.Context,
	snap *snapshot,
	subnet *Subnet,
	class *Class,
	req *layers.DHCPv4,
) (reply []byte) {
	srvID, hasSrvID := serverID4(req)
	reqAddr, hasReqAddr := requestedIPv4(req)
	ciaddr, _ := netip.AddrFromSlice(req.ClientIP.To4())

	var intended netip.Addr

	switch {
	case hasSrvID:
		// SELECTING: the client accepted our offer only if srvID is us.
		if srvID != d.serverID {
			return nil
		}

		intended = reqAddr
	case hasReqAddr && (!ciaddr.IsValid() || ciaddr.IsUnspecified()):
		// INIT-REBOOT.
		intended = reqAddr
	case ciaddr.IsValid() && !ciaddr.IsUnspecified():
		// RENEWING/REBINDING.
		intended = ciaddr
	default:
		if lease, ok := d.store.ByHW(req.ClientHWAddr); ok {
			intended = lease.Address
		} else {
			return d.nak(req, "no existing lease")
		}
	}

	if !intended.IsValid() {
		return d.nak(req, "no requested address")
	}

	if reserved, ok := snap.ReservationFor(req.ClientHWAddr); ok && reserved != intended {
		d.metrics.allocations.WithLabelValues("reservation_mismatch").Inc()

		return d.nak(req, "reservation mismatch")
	}

	if lease, held := d.store.ByAddr(intended); held && !hwEqual(lease.HWAddr, req.ClientHWAddr) {
		d.metrics.allocations.WithLabelValues("conflict").Inc()

		return d.nak(req, "address in use")
	}

	if !subnet.Contains(intended) {
		return d.nak(req, "address out of range")
	}

	ttl := leaseDuration(subnet, req)
	now := time.Now()

	lease := &Lease{
		HWAddr:   append(net.HardwareAddr(nil), req.ClientHWAddr...),
		Address:  intended,
		Hostname: hostname4(req),
		Start:    now,
		End:      now.Add(ttl),
	}

	if _, reserved := snap.ReservationFor(req.ClientHWAddr); reserved {
		lease.IsStatic = true
	}

	d.store.Upsert(ctx, lease)
	d.metrics.allocations.WithLabelValues("acked").Inc()

	if d.replicator != nil {
		go d.replicator.ReplicateBinding(ctx, lease)
	}

	ddnsCfg := snap.DDNSFor(subnet.ID)
	if d.ddns != nil && ddnsCfg != nil && lease.Hostname != "" {
		go d.ddns.NotifyACK(ctx, lease, ddnsCfg)
	}

	resp := d.buildReply(req, layers.DHCPMsgTypeAck, subnet)
	resp.YourClientIP = intended.AsSlice()
	appendLeaseTime(resp, ttl)
	d.appendOptions(resp, req, subnet, class)

	return d.finish(resp)
}

// handleBootp implements the legacy-BOOTP row: a BOOTREQUEST carrying no
// message-type option gets one allocate-and-commit exchange instead of the
// DISCOVER/OFFER/REQUEST/ACK handshake, per the adopted Open Question
// decision that BOOTP/DHCP is a flag on the request rather than a subtype.
func (d *Dispatcher) handleBootp(
	ctx context.Context,
	snap *snapshot,
	subnet *Subnet,
	class *Class,
	req *layers.DHCPv4,
) (reply []byte) {
	if d.replicator != nil && !d.replicator.MayServe(req.ClientHWAddr) {
		return nil
	}

	allocReq := &AllocRequest{
		HWAddr:  req.ClientHWAddr,
		IsBootp: true,
		Known:   d.isKnown(snap, req.ClientHWAddr),
	}

	addr, err := Allocate(snap, d.store, subnet, class, allocReq)
	if err != nil {
		d.metrics.allocations.WithLabelValues("exhausted").Inc()

		return nil
	}

	ttl := leaseDuration(subnet, req)
	now := time.Now()

	lease := &Lease{
		HWAddr:   append(net.HardwareAddr(nil), req.ClientHWAddr...),
		Address:  addr,
		Hostname: hostname4(req),
		Start:    now,
		End:      now.Add(ttl),
	}

	if _, reserved := snap.ReservationFor(req.ClientHWAddr); reserved {
		lease.IsStatic = true
	}

	d.store.Upsert(ctx, lease)
	d.metrics.allocations.WithLabelValues("acked").Inc()

	if d.replicator != nil {
		go d.replicator.ReplicateBinding(ctx, lease)
	}

	resp := d.buildReply(req, layers.DHCPMsgTypeAck, subnet)
	resp.YourClientIP = addr.AsSlice()
	appendLeaseTime(resp, ttl)
	d.appendOptions(resp, req, subnet, class)

	return d.finish(resp)
}

// handleRelease implements the RELEASE row.
func (d *Dispatcher) handleRelease(ctx context.Context, req *layers.DHCPv4, subnet *Subnet) {
	lease, ok := d.store.ByHW(req.ClientHWAddr)
	if !ok {
		return
	}

	d.store.DeleteByHW(ctx, req.ClientHWAddr)

	if d.replicator != nil {
		go d.replicator.ReplicateRelease(ctx, lease.Address, lease.HWAddr)
	}

	if d.ddns != nil && lease.Hostname != "" {
		if snap, err := d.index.Snapshot(ctx); err == nil {
			if cfg := snap.DDNSFor(subnet.ID); cfg != nil {
				go d.ddns.NotifyRelease(ctx, lease, cfg)
			}
		}
	}
}

// handleDecline implements the DECLINE row.
func (d *Dispatcher) handleDecline(ctx context.Context, req *layers.DHCPv4) {
	addr, ok := requestedIPv4(req)
	if !ok {
		addr, _ = netip.AddrFromSlice(req.ClientIP.To4())
	}

	if addr.IsValid() {
		d.store.MarkDeclined(ctx, addr)
	}
}

// handleInform implements the INFORM row: no allocation, just options for
// the client's own ciaddr.
func (d *Dispatcher) handleInform(
	ctx context.Context,
	subnet *Subnet,
	req *layers.DHCPv4,
) (reply []byte) {
	resp := d.buildReply(req, layers.DHCPMsgTypeAck, subnet)
	resp.YourClientIP = req.ClientIP
	d.appendOptions(resp, req, subnet, nil)

	return d.finish(resp)
}

// nak builds a NAK carrying only message-type and server-identifier, with
// yiaddr and ciaddr zeroed and the broadcast flag preserved.
func (d *Dispatcher) nak(req *layers.DHCPv4, reason string) (reply []byte) {
	resp := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: req.HardwareType,
		HardwareLen:  req.HardwareLen,
		Xid:          req.Xid,
		Flags:        req.Flags,
		ClientHWAddr: req.ClientHWAddr,
		RelayAgentIP: req.RelayAgentIP,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeNak)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, d.serverID.AsSlice()),
		},
	}

	if reason != "" {
		d.logger.Debug("nak", "reason", reason, "xid", req.Xid)
	}

	return d.finish(resp)
}

// buildReply constructs the common reply fields: op, htype, hlen, zero hops
// and secs, echoed xid/flags, ciaddr, giaddr, chaddr, and the message-type
// and server-identifier options.
func (d *Dispatcher) buildReply(req *layers.DHCPv4, mtype layers.DHCPMsgType, subnet *Subnet) (resp *layers.DHCPv4) {
	resp = &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: req.HardwareType,
		HardwareLen:  req.HardwareLen,
		Xid:          req.Xid,
		Flags:        req.Flags,
		ClientIP:     req.ClientIP,
		RelayAgentIP: req.RelayAgentIP,
		ClientHWAddr: req.ClientHWAddr,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(mtype)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, d.serverID.AsSlice()),
		},
	}

	if subnet != nil && subnet.TFTPServer != "" {
		resp.NextServerIP = net.ParseIP(subnet.TFTPServer).To4()
	}

	return resp
}

// appendOptions appends the requested-option echo, PXE boot options when
// applicable, and any class override.
func (d *Dispatcher) appendOptions(resp, req *layers.DHCPv4, subnet *Subnet, class *Class) {
	imp := implicitOptions(subnet)
	updateOptions(req, resp, imp)

	bootFile := subnet.BootFilename
	nextServer := subnet.TFTPServer

	if class != nil {
		if class.BootFilename != "" {
			bootFile = class.BootFilename
		}
		if class.NextServer.IsValid() {
			nextServer = class.NextServer.String()
		}
	}

	if isPXEClient(req) {
		arch, _ := pxeArch4(req)
		if isUEFI(req) && subnet.BootFilenameUEFI != "" {
			bootFile = subnet.BootFilenameUEFI
		}
		if class != nil && class.BootFilename != "" {
			bootFile = class.BootFilename
		}

		appendPXEOptions(resp, nextServer, bootFile, arch)
	}
}

// finish encodes resp, recording its reply type in the dispatch metrics.
func (d *Dispatcher) finish(resp *layers.DHCPv4) (data []byte) {
	sname := ""
	file := ""
	if len(resp.ServerName) > 0 {
		sname = string(resp.ServerName)
	}
	if len(resp.File) > 0 {
		file = string(resp.File)
	}

	data, err := EncodeReply(resp, sname, file)
	if err != nil {
		d.logger.Error("encoding reply", slogutil.KeyError, err)

		return nil
	}

	if mtype, ok := msg4Type(resp); ok {
		d.metrics.replies.WithLabelValues(replyTypeLabel(mtype)).Inc()
	}

	return data
}

// isKnown reports whether hw already has a reservation or a prior lease,
// for the known_clients_only pool filter.
func (d *Dispatcher) isKnown(snap *snapshot, hw net.HardwareAddr) (known bool) {
	if _, ok := snap.ReservationFor(hw); ok {
		return true
	}

	_, ok := d.store.ByHW(hw)

	return ok
}

// replyTypeLabel maps a DHCP message type to the metrics label used for it.
func replyTypeLabel(mtype layers.DHCPMsgType) (label string) {
	switch mtype {
	case layers.DHCPMsgTypeOffer:
		return "offer"
	case layers.DHCPMsgTypeAck:
		return "ack"
	case layers.DHCPMsgTypeNak:
		return "nak"
	default:
		return "other"
	}
}

// leaseDuration clamps the client's requested lease time (option 51) to the
// subnet's maximum, defaulting to the subnet's default lease when the
// client did not request one.
func leaseDuration(subnet *Subnet, req *layers.DHCPv4) (ttl time.Duration) {
	for _, opt := range req.Options {
		if opt.Type == layers.DHCPOptLeaseTime && len(opt.Data) == 4 {
			secs := uint32(opt.Data[0])<<24 | uint32(opt.Data[1])<<16 | uint32(opt.Data[2])<<8 | uint32(opt.Data[3])
			requested := time.Duration(secs) * time.Second
			if requested <= subnet.MaxLease {
				return requested
			}

			return subnet.MaxLease
		}
	}

	return subnet.DefaultLease
}
