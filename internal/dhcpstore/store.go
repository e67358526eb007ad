// Package dhcpstore is the relational persistence adapter: it implements
// the narrow operation sets internal/dhcp4 and internal/ddns depend on
// (Persister, LogPersister, configuration refresh) against a Postgres
// schema, so neither package imports the driver directly.
package dhcpstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dhcpfailoverd/internal/ddns"
	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcp4"
	"github.com/AdguardTeam/dhcpfailoverd/internal/failover"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the relational backing store for leases, configuration, and the
// DDNS and failover audit trails.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to a Postgres instance at dsn and returns a Store. Callers
// must call Close when done.
func Open(ctx context.Context, dsn string) (s *Store, err error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// type checks
var (
	_ dhcp4.Persister   = (*Store)(nil)
	_ ddns.LogPersister = (*Store)(nil)
)

// leaseUpsertQuery upserts one lease row; shared by ApplyBatch.
const leaseUpsertQuery = `
INSERT INTO leases (hw_addr, address, hostname, start_time, end_time, is_static)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (hw_addr) DO UPDATE SET
	address = excluded.address,
	hostname = excluded.hostname,
	start_time = excluded.start_time,
	end_time = excluded.end_time,
	is_static = excluded.is_static`

// ApplyBatch implements [dhcp4.Persister]. It commits every op in ops inside
// a single transaction, so a batch either lands in full or not at all.
func (s *Store) ApplyBatch(ctx context.Context, ops []dhcp4.BatchOp) (err error) {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		switch op.Kind {
		case dhcp4.BatchUpsert:
			lease := op.Lease
			_, err = tx.Exec(ctx, leaseUpsertQuery,
				lease.HWAddr.String(), lease.Address.String(), lease.Hostname,
				lease.Start, lease.End, lease.IsStatic,
			)
		case dhcp4.BatchDeleteHW:
			_, err = tx.Exec(ctx, `DELETE FROM leases WHERE hw_addr = $1`, op.HW.String())
		case dhcp4.BatchDeleteAddr:
			_, err = tx.Exec(ctx, `DELETE FROM leases WHERE address = $1`, op.Addr.String())
		}

		if err != nil {
			return fmt.Errorf("applying batch op: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch transaction: %w", err)
	}

	return nil
}

// LoadActiveLeases implements [dhcp4.Persister].
func (s *Store) LoadActiveLeases(ctx context.Context) (leases []*dhcp4.Lease, err error) {
	const q = `SELECT hw_addr, address, hostname, start_time, end_time, is_static FROM leases WHERE end_time > now()`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("loading active leases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hwStr, addrStr, hostname string
		var start, end time.Time
		var isStatic bool

		if err = rows.Scan(&hwStr, &addrStr, &hostname, &start, &end, &isStatic); err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}

		hw, perr := net.ParseMAC(hwStr)
		if perr != nil {
			return nil, fmt.Errorf("parsing stored hw_addr %q: %w", hwStr, perr)
		}

		addr, perr := netip.ParseAddr(addrStr)
		if perr != nil {
			return nil, fmt.Errorf("parsing stored address %q: %w", addrStr, perr)
		}

		leases = append(leases, &dhcp4.Lease{
			HWAddr:      hw,
			Address:     addr,
			Hostname:    hostname,
			Start:       start,
			End:         end,
			IsStatic:    isStatic,
			IsPersisted: true,
		})
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("reading lease rows: %w", err)
	}

	return leases, nil
}

// LogUpdate implements [ddns.LogPersister].
func (s *Store) LogUpdate(ctx context.Context, entry *ddns.LogEntry) (err error) {
	const q = `
INSERT INTO ddns_log (record_type, fqdn, rcode, error, logged_at)
VALUES ($1, $2, $3, $4, $5)`

	_, err = s.pool.Exec(ctx, q, entry.RecordType, entry.FQDN, entry.RCode, nullIfEmpty(entry.Err), entry.At)
	if err != nil {
		return fmt.Errorf("recording ddns log entry: %w", err)
	}

	return nil
}

// LoadConfig implements [dhcp4.RefreshFunc]: it loads every subnet, pool,
// exclusion, class, reservation, and DDNS config row into a *dhcp4.Config.
func (s *Store) LoadConfig(ctx context.Context) (cfg *dhcp4.Config, err error) {
	cfg = &dhcp4.Config{}

	loaders := []func(context.Context, *dhcp4.Config) error{
		s.loadSubnets,
		s.loadPools,
		s.loadExclusions,
		s.loadClasses,
		s.loadReservations,
		s.loadDDNSConfigs,
	}

	for _, load := range loaders {
		if err = load(ctx, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (s *Store) loadSubnets(ctx context.Context, cfg *dhcp4.Config) (err error) {
	const q = `
SELECT id, network, router, broadcast, domain_name, dns_servers, ntp_servers,
       wins_servers, default_lease_seconds, max_lease_seconds, mtu,
       tftp_server, boot_filename, boot_filename_uefi, domain_search,
       classless_routes, time_offset, tz_posix, interface_name, enabled
FROM subnets`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("loading subnets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sub, serr := scanSubnet(rows)
		if serr != nil {
			return serr
		}

		cfg.Subnets = append(cfg.Subnets, sub)
	}

	return rows.Err()
}

func scanSubnet(rows pgx.Rows) (sub *dhcp4.Subnet, err error) {
	var (
		networkStr, routerStr, broadcastStr string
		dnsStrs, ntpStrs, winsStrs          []string
		defaultSec, maxSec                  int64
	)

	sub = &dhcp4.Subnet{}

	err = rows.Scan(
		&sub.ID, &networkStr, &routerStr, &broadcastStr, &sub.DomainName,
		&dnsStrs, &ntpStrs, &winsStrs, &defaultSec, &maxSec, &sub.MTU,
		&sub.TFTPServer, &sub.BootFilename, &sub.BootFilenameUEFI,
		&sub.DomainSearch, &sub.ClasslessRoutes, &sub.TimeOffset, &sub.TZPosix,
		&sub.InterfaceName, &sub.Enabled,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning subnet row: %w", err)
	}

	if sub.Network, err = netip.ParsePrefix(networkStr); err != nil {
		return nil, fmt.Errorf("parsing subnet %s network: %w", sub.ID, err)
	}

	sub.Router = parseAddrOrZero(routerStr)
	sub.Broadcast = parseAddrOrZero(broadcastStr)
	sub.DefaultLease = time.Duration(defaultSec) * time.Second
	sub.MaxLease = time.Duration(maxSec) * time.Second
	sub.DNSServers = parseAddrs(dnsStrs)
	sub.NTPServers = parseAddrs(ntpStrs)
	sub.WINSServers = parseAddrs(winsStrs)

	return sub, nil
}

func (s *Store) loadPools(ctx context.Context, cfg *dhcp4.Config) (err error) {
	const q = `
SELECT id, subnet_id, range_start, range_end, priority, allow_unknown_clients,
       deny_bootp, known_clients_only, enabled
FROM pools`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("loading pools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &dhcp4.Pool{}

		var startStr, endStr string

		if err = rows.Scan(
			&p.ID, &p.SubnetID, &startStr, &endStr, &p.Priority,
			&p.AllowUnknownClients, &p.DenyBootp, &p.KnownClientsOnly, &p.Enabled,
		); err != nil {
			return fmt.Errorf("scanning pool row: %w", err)
		}

		if p.Start, err = netip.ParseAddr(startStr); err != nil {
			return fmt.Errorf("parsing pool %s range_start: %w", p.ID, err)
		}
		if p.End, err = netip.ParseAddr(endStr); err != nil {
			return fmt.Errorf("parsing pool %s range_end: %w", p.ID, err)
		}

		cfg.Pools = append(cfg.Pools, p)
	}

	return rows.Err()
}

func (s *Store) loadExclusions(ctx context.Context, cfg *dhcp4.Config) (err error) {
	const q = `SELECT subnet_id, range_start, range_end FROM exclusions`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("loading exclusions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &dhcp4.Exclusion{}

		var startStr, endStr string

		if err = rows.Scan(&e.SubnetID, &startStr, &endStr); err != nil {
			return fmt.Errorf("scanning exclusion row: %w", err)
		}

		if e.Start, err = netip.ParseAddr(startStr); err != nil {
			return fmt.Errorf("parsing exclusion range_start: %w", err)
		}
		if e.End, err = netip.ParseAddr(endStr); err != nil {
			return fmt.Errorf("parsing exclusion range_end: %w", err)
		}

		cfg.Exclusions = append(cfg.Exclusions, e)
	}

	return rows.Err()
}

func (s *Store) loadClasses(ctx context.Context, cfg *dhcp4.Config) (err error) {
	const q = `
SELECT id, match_kind, match_value, boot_filename, next_server, priority, enabled
FROM classes`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("loading classes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c := &dhcp4.Class{}

		var matchKind int
		var nextServerStr string

		if err = rows.Scan(
			&c.ID, &matchKind, &c.MatchValue, &c.BootFilename, &nextServerStr,
			&c.Priority, &c.Enabled,
		); err != nil {
			return fmt.Errorf("scanning class row: %w", err)
		}

		c.Match = dhcp4.MatchKind(matchKind)
		c.NextServer = parseAddrOrZero(nextServerStr)

		cfg.Classes = append(cfg.Classes, c)
	}

	return rows.Err()
}

func (s *Store) loadReservations(ctx context.Context, cfg *dhcp4.Config) (err error) {
	const q = `SELECT hw_addr, address FROM mac_reservations`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("loading reservations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hwStr, addrStr string

		if err = rows.Scan(&hwStr, &addrStr); err != nil {
			return fmt.Errorf("scanning reservation row: %w", err)
		}

		hw, perr := net.ParseMAC(hwStr)
		if perr != nil {
			return fmt.Errorf("parsing reservation hw_addr %q: %w", hwStr, perr)
		}

		addr, perr := netip.ParseAddr(addrStr)
		if perr != nil {
			return fmt.Errorf("parsing reservation address %q: %w", addrStr, perr)
		}

		cfg.Reservations = append(cfg.Reservations, &dhcp4.Reservation{HWAddr: hw, Address: addr})
	}

	return rows.Err()
}

func (s *Store) loadDDNSConfigs(ctx context.Context, cfg *dhcp4.Config) (err error) {
	const q = `
SELECT subnet_id, forward_zone, reverse_zone, server_addr, tsig_key_name,
       tsig_secret_b64, tsig_algorithm, ttl, override_client_update, enabled
FROM ddns_configs`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("loading ddns configs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d := &dhcp4.DDNSConfig{}

		var serverAddrStr string

		if err = rows.Scan(
			&d.SubnetID, &d.ForwardZone, &d.ReverseZone, &serverAddrStr,
			&d.TSIGKeyName, &d.TSIGSecretB64, &d.TSIGAlgorithm, &d.TTL,
			&d.OverrideClientUpdate, &d.Enabled,
		); err != nil {
			return fmt.Errorf("scanning ddns config row: %w", err)
		}

		if serverAddrStr != "" {
			if d.ServerAddr, err = netip.ParseAddrPort(serverAddrStr); err != nil {
				return fmt.Errorf("parsing ddns server_addr %q: %w", serverAddrStr, err)
			}
		}

		cfg.DDNSConfigs = append(cfg.DDNSConfigs, d)
	}

	return rows.Err()
}

// LoadFailoverPeer implements the failover_peers "select one enabled" core
// operation. It returns nil, nil if no peer row is enabled, so the caller
// can fall back to a statically configured peer.
func (s *Store) LoadFailoverPeer(ctx context.Context) (cfg *failover.Config, err error) {
	const q = `
SELECT is_primary, local_addr, peer_dial_addr, listen_addr, split_point,
       mclt_seconds, max_response_delay_seconds, auto_partner_down_seconds,
       max_unacked_updates
FROM failover_peers
WHERE enabled
LIMIT 1`

	var (
		localStr, dialAddr, listenAddr   string
		splitPoint, maxUnacked           int
		mcltSec, maxRespSec, autoDownSec int64
		primary                          bool
	)

	row := s.pool.QueryRow(ctx, q)
	err = row.Scan(
		&primary, &localStr, &dialAddr, &listenAddr, &splitPoint,
		&mcltSec, &maxRespSec, &autoDownSec, &maxUnacked,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading failover peer: %w", err)
	}

	local, perr := netip.ParseAddr(localStr)
	if perr != nil {
		return nil, fmt.Errorf("parsing failover peer local_addr %q: %w", localStr, perr)
	}

	return &failover.Config{
		Primary:           primary,
		LocalAddr:         local,
		PeerDialAddr:      dialAddr,
		ListenAddr:        listenAddr,
		Split:             uint8(splitPoint),
		MCLT:              time.Duration(mcltSec) * time.Second,
		MaxResponseDelay:  time.Duration(maxRespSec) * time.Second,
		AutoPartnerDown:   time.Duration(autoDownSec) * time.Second,
		MaxUnackedUpdates: maxUnacked,
	}, nil
}

// SaveFailoverState implements the failover_state "upsert current state"
// core operation.
func (s *Store) SaveFailoverState(ctx context.Context, local, peer failover.State) (err error) {
	const q = `
INSERT INTO failover_state (id, local_state, peer_state, updated_at)
VALUES (1, $1, $2, now())
ON CONFLICT (id) DO UPDATE SET
	local_state = excluded.local_state,
	peer_state = excluded.peer_state,
	updated_at = excluded.updated_at`

	if _, err = s.pool.Exec(ctx, q, local.String(), peer.String()); err != nil {
		return fmt.Errorf("saving failover state: %w", err)
	}

	return nil
}

// parseAddrOrZero parses s, returning the zero netip.Addr for an empty
// string rather than an error: many address fields here are optional.
func parseAddrOrZero(s string) (addr netip.Addr) {
	if s == "" {
		return netip.Addr{}
	}

	addr, _ = netip.ParseAddr(s)

	return addr
}

func parseAddrs(strs []string) (addrs []netip.Addr) {
	for _, s := range strs {
		if a, err := netip.ParseAddr(s); err == nil {
			addrs = append(addrs, a)
		}
	}

	return addrs
}

func nullIfEmpty(s string) (v any) {
	if s == "" {
		return nil
	}

	return s
}
