package dhcp4

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"golang.org/x/sync/singleflight"
)

// RefreshFunc loads a fresh configuration snapshot from the backing store.
type RefreshFunc func(ctx context.Context) (*Config, error)

// snapshot is the immutable, arc-swapped view the index serves reads from.
type snapshot struct {
	bySubnet     map[string]*Subnet
	subnetsOrder []*Subnet

	poolsBySubnet      map[string][]*Pool
	exclusionsBySubnet map[string][]*Exclusion
	classesByPriority  []*Class

	reservationByHW   map[HWKey]netip.Addr
	reservedAddresses map[netip.Addr]HWKey

	ddnsBySubnet map[string]*DDNSConfig
	ddnsGlobal   *DDNSConfig

	loadedAt time.Time
}

// ConfigIndex maintains a refresh-on-demand, single-flight-guarded view of
// the configuration and implements subnet selection and class matching.
type ConfigIndex struct {
	logger  *slog.Logger
	refresh RefreshFunc
	group   singleflight.Group

	cur atomic.Pointer[snapshot]

	// stale, when set, forces the next Snapshot call to reload regardless
	// of how recently the last load completed.  A configuration writer
	// calls Invalidate to set this.
	stale atomic.Bool
}

// NewConfigIndex constructs a ConfigIndex.  It performs no I/O; callers must
// call Snapshot before serving requests.
func NewConfigIndex(logger *slog.Logger, refresh RefreshFunc) (idx *ConfigIndex) {
	return &ConfigIndex{logger: logger, refresh: refresh}
}

// Invalidate marks the current snapshot stale so the next Snapshot call
// reloads it.  It does not itself perform I/O.
func (idx *ConfigIndex) Invalidate() {
	idx.stale.Store(true)
}

// Snapshot returns the current configuration snapshot, reloading it first if
// none has been loaded yet or it was invalidated.  Concurrent callers
// observing a stale snapshot block on a single in-flight reload via
// singleflight, so a refresh storm never issues more than one backing-store
// query at a time.
func (idx *ConfigIndex) Snapshot(ctx context.Context) (snap *snapshot, err error) {
	cur := idx.cur.Load()
	if cur != nil && !idx.stale.Load() {
		return cur, nil
	}

	v, err, _ := idx.group.Do("refresh", func() (any, error) {
		cfg, rerr := idx.refresh(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("refreshing configuration: %w", rerr)
		}

		if rerr = cfg.Validate(); rerr != nil {
			return nil, fmt.Errorf("validating refreshed configuration: %w", rerr)
		}

		built := buildSnapshot(cfg)
		idx.cur.Store(built)
		idx.stale.Store(false)

		idx.logger.InfoContext(
			ctx,
			"configuration refreshed",
			"subnets", len(built.subnetsOrder),
			"classes", len(built.classesByPriority),
			"reservations", len(built.reservationByHW),
		)

		return built, nil
	})
	if err != nil {
		idx.logger.ErrorContext(ctx, "refreshing configuration", slogutil.KeyError, err)

		if cur != nil {
			// Serve the stale snapshot rather than failing every request
			// while the backing store is unreachable.
			return cur, nil
		}

		return nil, err
	}

	return v.(*snapshot), nil
}

// buildSnapshot converts a validated Config into the index's lookup
// structures.
func buildSnapshot(cfg *Config) (snap *snapshot) {
	snap = &snapshot{
		bySubnet:           make(map[string]*Subnet, len(cfg.Subnets)),
		poolsBySubnet:      make(map[string][]*Pool),
		exclusionsBySubnet: make(map[string][]*Exclusion),
		reservationByHW:    make(map[HWKey]netip.Addr, len(cfg.Reservations)),
		reservedAddresses:  make(map[netip.Addr]HWKey, len(cfg.Reservations)),
		ddnsBySubnet:       make(map[string]*DDNSConfig),
		loadedAt:           time.Now(),
	}

	for _, s := range cfg.Subnets {
		if !s.Enabled {
			continue
		}

		snap.bySubnet[s.ID] = s
		snap.subnetsOrder = append(snap.subnetsOrder, s)
	}

	for _, p := range cfg.Pools {
		if !p.Enabled {
			continue
		}

		snap.poolsBySubnet[p.SubnetID] = append(snap.poolsBySubnet[p.SubnetID], p)
	}
	for _, list := range snap.poolsBySubnet {
		sortPools(list)
	}

	for _, e := range cfg.Exclusions {
		snap.exclusionsBySubnet[e.SubnetID] = append(snap.exclusionsBySubnet[e.SubnetID], e)
	}

	for _, c := range cfg.Classes {
		if !c.Enabled {
			continue
		}

		snap.classesByPriority = append(snap.classesByPriority, c)
	}
	sortClasses(snap.classesByPriority)

	for _, r := range cfg.Reservations {
		key, ok := NewHWKey(r.HWAddr)
		if !ok {
			continue
		}

		snap.reservationByHW[key] = r.Address
		snap.reservedAddresses[r.Address] = key
	}

	for _, d := range cfg.DDNSConfigs {
		if !d.Enabled {
			continue
		}

		if d.SubnetID == "" {
			cp := *d
			snap.ddnsGlobal = &cp
		} else {
			cp := *d
			snap.ddnsBySubnet[d.SubnetID] = &cp
		}
	}

	return snap
}

// sortPools sorts a subnet's pools by ascending priority then range start.
func sortPools(pools []*Pool) {
	for i := 1; i < len(pools); i++ {
		for j := i; j > 0 && poolLess(pools[j], pools[j-1]); j-- {
			pools[j], pools[j-1] = pools[j-1], pools[j]
		}
	}
}

func poolLess(a, b *Pool) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}

	return a.Start.Less(b.Start)
}

// sortClasses sorts classes by ascending priority.
func sortClasses(classes []*Class) {
	for i := 1; i < len(classes); i++ {
		for j := i; j > 0 && classes[j].Priority < classes[j-1].Priority; j-- {
			classes[j], classes[j-1] = classes[j-1], classes[j]
		}
	}
}

// SelectSubnet implements the subnet selection order from the configuration
// index: giaddr, then ciaddr, then the requested address, then the
// receiving interface name, then the first enabled subnet.
func (snap *snapshot) SelectSubnet(giaddr, ciaddr, reqAddr netip.Addr, ifaceName string) (s *Subnet) {
	if giaddr.IsValid() && !giaddr.IsUnspecified() {
		if s = snap.subnetContaining(giaddr); s != nil {
			return s
		}
	}

	if ciaddr.IsValid() && !ciaddr.IsUnspecified() {
		if s = snap.subnetContaining(ciaddr); s != nil {
			return s
		}
	}

	if reqAddr.IsValid() {
		if s = snap.subnetContaining(reqAddr); s != nil {
			return s
		}
	}

	if ifaceName != "" {
		for _, cand := range snap.subnetsOrder {
			if strings.EqualFold(cand.InterfaceName, ifaceName) {
				return cand
			}
		}
	}

	if len(snap.subnetsOrder) > 0 {
		return snap.subnetsOrder[0]
	}

	return nil
}

// subnetContaining returns the first enabled subnet whose network contains
// addr.
func (snap *snapshot) subnetContaining(addr netip.Addr) (s *Subnet) {
	for _, cand := range snap.subnetsOrder {
		if cand.Contains(addr) {
			return cand
		}
	}

	return nil
}

// MatchClass returns the first enabled class, in ascending priority order,
// whose rule matches the request.  At most one class matches.
func (snap *snapshot) MatchClass(vendorClass string, hw net.HardwareAddr, hostname string) (c *Class) {
	hwStr := strings.ToUpper(hw.String())

	for _, cand := range snap.classesByPriority {
		var matched bool

		switch cand.Match {
		case MatchVendorClass:
			matched = strings.Contains(strings.ToLower(vendorClass), strings.ToLower(cand.MatchValue))
		case MatchHWPrefix:
			matched = strings.HasPrefix(hwStr, strings.ToUpper(cand.MatchValue))
		case MatchHostname:
			matched = strings.Contains(strings.ToLower(hostname), strings.ToLower(cand.MatchValue))
		}

		if matched {
			return cand
		}
	}

	return nil
}

// ReservationFor returns the reserved address for hw, if any.
func (snap *snapshot) ReservationFor(hw net.HardwareAddr) (addr netip.Addr, ok bool) {
	key, ok := NewHWKey(hw)
	if !ok {
		return netip.Addr{}, false
	}

	addr, ok = snap.reservationByHW[key]

	return addr, ok
}

// ReservationHolder returns the hardware address reservation holding addr,
// if any.
func (snap *snapshot) ReservationHolder(addr netip.Addr) (hw HWKey, ok bool) {
	hw, ok = snap.reservedAddresses[addr]

	return hw, ok
}

// Pools returns the enabled pools for subnetID, ordered by ascending
// priority then range start.
func (snap *snapshot) Pools(subnetID string) (pools []*Pool) {
	return snap.poolsBySubnet[subnetID]
}

// Exclusions returns the exclusion ranges for subnetID.
func (snap *snapshot) Exclusions(subnetID string) (excl []*Exclusion) {
	return snap.exclusionsBySubnet[subnetID]
}

// DDNSFor returns the DDNS config applicable to subnetID: the subnet's own
// config if present, else the global default, else nil.
func (snap *snapshot) DDNSFor(subnetID string) (cfg *DDNSConfig) {
	if cfg = snap.ddnsBySubnet[subnetID]; cfg != nil {
		return cfg
	}

	return snap.ddnsGlobal
}
