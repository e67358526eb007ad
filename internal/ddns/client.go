package ddns

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcp4"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// tsigFudge is the RFC 2845 fudge window: the number of seconds either side
// of time-signed within which a TSIG MAC is considered valid.
const tsigFudge = 300

// sendTimeout bounds every UDP update exchange.
const sendTimeout = 5 * time.Second

// LogPersister records the ddns_log audit trail: one entry per update
// attempt, forward or reverse, success or failure.
type LogPersister interface {
	LogUpdate(ctx context.Context, entry *LogEntry) error
}

// LogEntry is one row of the ddns_log audit table.
type LogEntry struct {
	RecordType string // "A" or "PTR"
	FQDN       string
	RCode      int
	Err        string
	At         time.Time
}

// Client builds and sends RFC 2136 UPDATE messages for the forward and
// reverse records of a lease.
type Client struct {
	logger *slog.Logger
	log    LogPersister
}

// NewClient constructs a Client.  log may be nil to disable the audit trail.
func NewClient(logger *slog.Logger, log LogPersister) (c *Client) {
	return &Client{logger: logger, log: log}
}

// type check
var _ dhcp4.DDNSNotifier = (*Client)(nil)

// NotifyACK implements [dhcp4.DDNSNotifier]. It sends the forward (A) and
// reverse (PTR) updates for lease, each to its own zone, and never returns
// an error to the caller: failures are logged and recorded to the audit
// trail, per the contract that DDNS never blocks the DHCP reply.
func (c *Client) NotifyACK(ctx context.Context, lease *dhcp4.Lease, cfg *dhcp4.DDNSConfig) {
	if !cfg.OverrideClientUpdate && !wantsUpdate(lease) {
		return
	}

	fqdn := buildFQDN(lease.Hostname, cfg.ForwardZone)

	c.updateForward(ctx, cfg, fqdn, lease.Address, true)
	c.updateReverse(ctx, cfg, fqdn, lease.Address, true)
}

// NotifyRelease implements [dhcp4.DDNSNotifier]. It deletes the forward and
// reverse records established for lease.
func (c *Client) NotifyRelease(ctx context.Context, lease *dhcp4.Lease, cfg *dhcp4.DDNSConfig) {
	fqdn := buildFQDN(lease.Hostname, cfg.ForwardZone)

	c.updateForward(ctx, cfg, fqdn, lease.Address, false)
	c.updateReverse(ctx, cfg, fqdn, lease.Address, false)
}

// wantsUpdate reports whether the client itself did not ask to suppress
// server-side DDNS. The core doesn't currently decode option 81's flags
// byte into the lease record, so absent an override this defaults to true.
func wantsUpdate(lease *dhcp4.Lease) (yes bool) {
	return true
}

// buildFQDN strips trailing dots from hostname and zone, then joins them
// unless hostname already carries zone as a suffix.
func buildFQDN(hostname, zone string) (fqdn string) {
	hostname = strings.TrimSuffix(hostname, ".")
	zone = strings.TrimSuffix(zone, ".")

	if zone != "" && strings.HasSuffix(strings.ToLower(hostname), strings.ToLower(zone)) {
		return hostname + "."
	}

	if zone == "" {
		return hostname + "."
	}

	return hostname + "." + zone + "."
}

// reverseZoneFor derives the /24 reverse zone for addr when cfg names none.
func reverseZoneFor(addr netip.Addr) (zone string) {
	b := addr.As4()

	return fmt.Sprintf("%d.%d.%d.in-addr.arpa.", b[2], b[1], b[0])
}

// reverseNameFor returns addr's full PTR owner name.
func reverseNameFor(addr netip.Addr) (name string) {
	b := addr.As4()

	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", b[3], b[2], b[1], b[0])
}

// updateForward sends the forward-zone UPDATE adding or deleting the A
// record for fqdn/addr.
func (c *Client) updateForward(
	ctx context.Context,
	cfg *dhcp4.DDNSConfig,
	fqdn string,
	addr netip.Addr,
	add bool,
) {
	zone := dns.Fqdn(cfg.ForwardZone)

	a := &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(fqdn), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: cfg.TTL},
		A:   addr.AsSlice(),
	}

	msg := new(dns.Msg)
	msg.SetUpdate(zone)

	if add {
		msg.Insert([]dns.RR{a})
	} else {
		msg.Remove([]dns.RR{a})
	}

	c.exchangeAndLog(ctx, cfg, msg, "A", fqdn)
}

// updateReverse sends the reverse-zone UPDATE adding or deleting the PTR
// record for addr/fqdn.
func (c *Client) updateReverse(
	ctx context.Context,
	cfg *dhcp4.DDNSConfig,
	fqdn string,
	addr netip.Addr,
	add bool,
) {
	zone := cfg.ReverseZone
	if zone == "" {
		zone = reverseZoneFor(addr)
	}
	zone = dns.Fqdn(zone)

	name := reverseNameFor(addr)

	ptr := &dns.PTR{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: cfg.TTL},
		Ptr: dns.Fqdn(fqdn),
	}

	msg := new(dns.Msg)
	msg.SetUpdate(zone)

	if add {
		msg.Insert([]dns.RR{ptr})
	} else {
		msg.RemoveRRset([]dns.RR{&dns.PTR{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassANY, Ttl: 0},
		}})
	}

	c.exchangeAndLog(ctx, cfg, msg, "PTR", name)
}

// exchangeAndLog signs and sends msg, recording the outcome to the audit
// trail and the logger. Errors never propagate: DDNS is a best-effort side
// effect of an ACK or RELEASE.
func (c *Client) exchangeAndLog(ctx context.Context, cfg *dhcp4.DDNSConfig, msg *dns.Msg, recordType, name string) {
	rcode, err := c.signAndSend(ctx, cfg, msg)

	entry := &LogEntry{RecordType: recordType, FQDN: name, RCode: rcode, At: time.Now()}
	if err != nil {
		entry.Err = err.Error()
		c.logger.WarnContext(ctx, "ddns update failed", "record", recordType, "name", name, slogutil.KeyError, err)
	}

	if c.log != nil {
		if lerr := c.log.LogUpdate(ctx, entry); lerr != nil {
			c.logger.ErrorContext(ctx, "recording ddns audit entry", slogutil.KeyError, lerr)
		}
	}
}

// signAndSend TSIG-signs msg when cfg names a key, sends it over UDP to
// cfg.ServerAddr with a 5-second timeout, and interprets the RCODE.
func (c *Client) signAndSend(ctx context.Context, cfg *dhcp4.DDNSConfig, msg *dns.Msg) (rcode int, err error) {
	msg.Id = dns.Id()

	client := &dns.Client{Net: "udp", Timeout: sendTimeout}

	if cfg.TSIGKeyName != "" {
		algo, aerr := tsigAlgorithmName(cfg.TSIGAlgorithm)
		if aerr != nil {
			return 0, aerr
		}

		if _, derr := base64.StdEncoding.DecodeString(cfg.TSIGSecretB64); derr != nil {
			return 0, errNoTSIGSecret
		}

		keyName := dns.Fqdn(cfg.TSIGKeyName)
		msg.SetTsig(keyName, algo, tsigFudge, time.Now().Unix())
		client.TsigSecret = map[string]string{keyName: cfg.TSIGSecretB64}
	}

	resp, _, err := client.ExchangeContext(ctx, msg, cfg.ServerAddr.String())
	if err != nil {
		return 0, fmt.Errorf("exchanging update: %w", err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return resp.Rcode, rcodeError(resp.Rcode)
	}

	return resp.Rcode, nil
}

// tsigAlgorithmName maps a configured algorithm name to the dns package's
// canonical TSIG algorithm constant.
func tsigAlgorithmName(name string) (algo string, err error) {
	switch strings.ToLower(name) {
	case "", "hmac-md5":
		return dns.HmacMD5, nil
	case "hmac-sha1":
		return dns.HmacSHA1, nil
	case "hmac-sha256":
		return dns.HmacSHA256, nil
	case "hmac-sha512":
		return dns.HmacSHA512, nil
	default:
		return "", errUnsupportedAlgorithm
	}
}

// rcodeError maps a non-success RCODE to its sentinel error.
func rcodeError(rcode int) (err error) {
	switch rcode {
	case dns.RcodeFormatError:
		return ErrFormErr
	case dns.RcodeServerFailure:
		return ErrServFail
	case dns.RcodeNameError:
		return ErrNXDomain
	case dns.RcodeNotImplemented:
		return ErrNotImpl
	case dns.RcodeRefused:
		return ErrRefused
	case dns.RcodeYXDomain:
		return ErrYXDomain
	case dns.RcodeYXRrset:
		return ErrYXRRSet
	case dns.RcodeNXRrset:
		return ErrNXRRSet
	case dns.RcodeNotAuth:
		return ErrNotAuth
	case dns.RcodeNotZone:
		return ErrNotZone
	default:
		return fmt.Errorf("ddns: unexpected rcode %d", rcode)
	}
}
