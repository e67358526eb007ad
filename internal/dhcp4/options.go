package dhcp4

import (
	"encoding/binary"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/google/gopacket/layers"
)

// pxeVendorClass is the option 60 value PXE clients advertise.
const pxeVendorClass = "PXEClient"

// UEFI architecture codes recognized in option 93.  Anything else is
// treated as legacy BIOS.
const (
	pxeArchUEFIx64 = 0x0007
	pxeArchUEFI32  = 0x0009
)

// msg4Type returns the message type of msg, if present.
func msg4Type(msg *layers.DHCPv4) (typ layers.DHCPMsgType, ok bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) > 0 {
			return layers.DHCPMsgType(opt.Data[0]), true
		}
	}

	return 0, false
}

// requestedIPv4 returns the address requested via option 50, if any.
func requestedIPv4(msg *layers.DHCPv4) (ip netip.Addr, ok bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptRequestIP && len(opt.Data) == net.IPv4len {
			return netip.AddrFromSlice(opt.Data)
		}
	}

	return netip.Addr{}, false
}

// serverID4 returns the server identifier from option 54, if any.
func serverID4(msg *layers.DHCPv4) (ip netip.Addr, ok bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptServerID && len(opt.Data) == net.IPv4len {
			return netip.AddrFromSlice(opt.Data)
		}
	}

	return netip.Addr{}, false
}

// hostname4 returns the option-12 hostname, if any.
func hostname4(msg *layers.DHCPv4) (hostname string) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptHostname && len(opt.Data) > 0 {
			return string(opt.Data)
		}
	}

	return ""
}

// clientFQDN returns the option-81 client FQDN, if any, along with the flags
// byte that signals whether the client wants to perform its own forward
// update.
func clientFQDN(msg *layers.DHCPv4) (fqdn string, flags byte, ok bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptClientFQDN && len(opt.Data) > 3 {
			return string(opt.Data[3:]), opt.Data[0], true
		}
	}

	return "", 0, false
}

// vendorClass4 returns the option-60 vendor class identifier, if any.
func vendorClass4(msg *layers.DHCPv4) (class string) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptClassID && len(opt.Data) > 0 {
			return string(opt.Data)
		}
	}

	return ""
}

// pxeArch4 returns the two-byte big-endian PXE client architecture from
// option 93, if present.
func pxeArch4(msg *layers.DHCPv4) (arch uint16, ok bool) {
	for _, opt := range msg.Options {
		if opt.Type == 93 && len(opt.Data) == 2 {
			return binary.BigEndian.Uint16(opt.Data), true
		}
	}

	return 0, false
}

// isPXEClient reports whether msg identifies itself as a PXE client via its
// vendor class.
func isPXEClient(msg *layers.DHCPv4) bool {
	return strings.Contains(vendorClass4(msg), pxeVendorClass)
}

// isUEFI reports whether the request is from a UEFI firmware, per option 93
// being authoritative and the vendor-class substring as a fallback, as
// decided for the PXE arch heuristic.
func isUEFI(msg *layers.DHCPv4) bool {
	if arch, ok := pxeArch4(msg); ok {
		return arch == pxeArchUEFIx64 || arch == pxeArchUEFI32
	}

	vc := vendorClass4(msg)

	return strings.Contains(vc, "00007") || strings.Contains(vc, "Arch:00007")
}

// requestedOptions returns the option-55 parameter request list, if any.
func requestedOptions(msg *layers.DHCPv4) (opts []layers.DHCPOpt) {
	for _, opt := range msg.Options {
		l := len(opt.Data)
		if opt.Type != layers.DHCPOptParamsRequest || l == 0 {
			continue
		}

		opts = make([]layers.DHCPOpt, 0, l)
		for _, code := range opt.Data {
			opts = append(opts, layers.DHCPOpt(code))
		}

		return opts
	}

	return nil
}

// compareV4OptionCodes compares the codes of two options for sorting and
// binary search.
func compareV4OptionCodes(a, b layers.DHCPOption) (res int) {
	return int(a.Type) - int(b.Type)
}

// implicitOptions returns the Appendix-A-derived default host configuration
// options for subnet s, sorted by code.
func implicitOptions(s *Subnet) (opts layers.DHCPOptions) {
	opts = make(layers.DHCPOptions, 0, 24)

	opts = append(
		opts,
		layers.NewDHCPOption(layers.DHCPOptSubnetMask, net.IP(s.Mask()).To4()),
	)
	if s.Router.IsValid() {
		opts = append(opts, layers.NewDHCPOption(layers.DHCPOptRouter, s.Router.AsSlice()))
	}

	opts = appendIPPerHostOptions(opts)
	opts = appendIPPerInterfaceOptions(opts)
	opts = appendLinkPerInterfaceOptions(opts)
	opts = appendTCPPerHostOptions(opts)
	opts = appendSubnetOptions(opts, s)

	slices.SortFunc(opts, compareV4OptionCodes)

	return opts
}

// appendSubnetOptions appends the per-subnet multi-value and encoded
// options: DNS/NTP/WINS server lists, domain name, MTU, domain search list,
// classless static routes, time offset and POSIX timezone.
func appendSubnetOptions(orig layers.DHCPOptions, s *Subnet) (res layers.DHCPOptions) {
	res = orig

	if len(s.DNSServers) > 0 {
		res = append(res, layers.NewDHCPOption(layers.DHCPOptDNS, concatV4(s.DNSServers)))
	}
	if len(s.NTPServers) > 0 {
		res = append(res, layers.NewDHCPOption(layers.DHCPOptNTPServers, concatV4(s.NTPServers)))
	}
	if len(s.WINSServers) > 0 {
		res = append(res, layers.NewDHCPOption(44, concatV4(s.WINSServers)))
	}
	if s.DomainName != "" {
		res = append(res, layers.NewDHCPOption(layers.DHCPOptDomainName, []byte(s.DomainName)))
	}
	if s.Broadcast.IsValid() {
		res = append(res, layers.NewDHCPOption(layers.DHCPOptBroadcastAddr, s.Broadcast.AsSlice()))
	}
	if s.MTU > 0 {
		res = append(
			res,
			layers.NewDHCPOption(layers.DHCPOptDatagramMTU, binary.BigEndian.AppendUint16(nil, s.MTU)),
		)
	}
	if len(s.DomainSearch) > 0 {
		res = append(res, layers.NewDHCPOption(119, s.DomainSearch))
	}
	if len(s.ClasslessRoutes) > 0 {
		res = append(res, layers.NewDHCPOption(121, s.ClasslessRoutes))
	}
	if s.TimeOffset != 0 {
		res = append(
			res,
			layers.NewDHCPOption(
				layers.DHCPOptTimeOffset,
				binary.BigEndian.AppendUint32(nil, uint32(s.TimeOffset)),
			),
		)
	}
	if s.TZPosix != "" {
		res = append(res, layers.NewDHCPOption(100, []byte(s.TZPosix)))
	}

	return res
}

// concatV4 concatenates a list of IPv4 addresses into a single multi-value
// option payload.
func concatV4(addrs []netip.Addr) (out []byte) {
	out = make([]byte, 0, 4*len(addrs))
	for _, a := range addrs {
		out = append(out, a.AsSlice()...)
	}

	return out
}

// appendIPPerHostOptions appends the IP-layer per-host defaults recommended
// by RFC 1122 Appendix A.
func appendIPPerHostOptions(orig layers.DHCPOptions) (res layers.DHCPOptions) {
	return append(
		orig,
		layers.NewDHCPOption(layers.DHCPOptIPForwarding, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptSourceRouting, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptDefaultTTL, []byte{0x40}),
		layers.NewDHCPOption(layers.DHCPOptPathMTUAgingTimeout, []byte{0x0, 0x0, 0x2, 0x58}),
	)
}

// appendIPPerInterfaceOptions appends the IP-layer per-interface defaults.
func appendIPPerInterfaceOptions(orig layers.DHCPOptions) (res layers.DHCPOptions) {
	return append(
		orig,
		layers.NewDHCPOption(layers.DHCPOptAllSubsLocal, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptMaskDiscovery, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptMaskSupplier, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptRouterDiscovery, []byte{0x1}),
		layers.NewDHCPOption(layers.DHCPOptSolicitAddr, netutil.IPv4allrouter()),
	)
}

// appendLinkPerInterfaceOptions appends the link-layer per-interface
// defaults.
func appendLinkPerInterfaceOptions(orig layers.DHCPOptions) (res layers.DHCPOptions) {
	return append(
		orig,
		layers.NewDHCPOption(layers.DHCPOptARPTrailers, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptARPTimeout, []byte{0x0, 0x0, 0x0, 0x3C}),
		layers.NewDHCPOption(layers.DHCPOptEthernetEncap, []byte{0x0}),
	)
}

// appendTCPPerHostOptions appends the TCP per-host defaults.
func appendTCPPerHostOptions(orig layers.DHCPOptions) (res layers.DHCPOptions) {
	return append(
		orig,
		layers.NewDHCPOption(layers.DHCPOptTCPTTL, []byte{0x0, 0x0, 0x0, 0x3C}),
		layers.NewDHCPOption(layers.DHCPOptTCPKeepAliveInt, []byte{0x0, 0x0, 0x1C, 0x20}),
		layers.NewDHCPOption(layers.DHCPOptTCPKeepAliveGarbage, []byte{0x1}),
	)
}

// updateOptions appends to resp every option req's parameter request list
// names that the server recognizes, preserving the client's preferred
// order, per RFC 2132 §9.8.
func updateOptions(req *layers.DHCPv4, resp *layers.DHCPv4, implicit layers.DHCPOptions) {
	optWithCode := layers.DHCPOption{}
	for _, code := range requestedOptions(req) {
		optWithCode.Type = code
		i, has := slices.BinarySearchFunc(implicit, optWithCode, compareV4OptionCodes)
		if has {
			resp.Options = append(resp.Options, implicit[i])
		}
	}
}

// appendLeaseTime appends the lease-time option for the duration ttl.
func appendLeaseTime(resp *layers.DHCPv4, ttl time.Duration) {
	resp.Options = append(
		resp.Options,
		layers.NewDHCPOption(
			layers.DHCPOptLeaseTime,
			binary.BigEndian.AppendUint32(nil, uint32(ttl.Seconds())),
		),
	)
}

// appendPXEOptions appends the TFTP server name, boot filename, and the
// three PXE sub-options (arch echo, network-interface, discovery-control)
// chosen for a PXE/BOOTP request.
func appendPXEOptions(resp *layers.DHCPv4, tftpServer, bootFile string, arch uint16) {
	if tftpServer != "" {
		resp.Options = append(resp.Options, layers.NewDHCPOption(66, []byte(tftpServer)))
	}
	if bootFile != "" {
		resp.Options = append(resp.Options, layers.NewDHCPOption(67, []byte(bootFile)))
	}

	resp.Options = append(
		resp.Options,
		layers.NewDHCPOption(93, binary.BigEndian.AppendUint16(nil, arch)),
		layers.NewDHCPOption(94, []byte{1, 2, 1}),
		// Option 43 (vendor-specific information) carrying PXE sub-option 6
		// (discovery control), length 1, value 3: disable broadcast and
		// multicast discovery, boot server list is authoritative.
		layers.NewDHCPOption(43, []byte{6, 1, 3}),
	)
}
