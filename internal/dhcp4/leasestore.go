package dhcp4

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
)

// Persister is the durability boundary the lease store writes through.  It
// is satisfied by [dhcpstore.Store]; the lease store depends only on this
// operation set, never on the relational driver directly.
type Persister interface {
	// ApplyBatch durably applies every op in ops as a single transaction:
	// either all of ops land, or none do.
	ApplyBatch(ctx context.Context, ops []BatchOp) error

	// LoadActiveLeases returns every lease with End > now, for store warm-up.
	LoadActiveLeases(ctx context.Context) ([]*Lease, error)
}

// BatchOpKind identifies the kind of a [BatchOp].
type BatchOpKind uint8

const (
	BatchUpsert BatchOpKind = iota
	BatchDeleteHW
	BatchDeleteAddr
)

// BatchOp is one operation in a batch passed to [Persister.ApplyBatch].
type BatchOp struct {
	Kind  BatchOpKind
	Lease *Lease
	HW    net.HardwareAddr
	Addr  netip.Addr
}

// opKind is the kind of a queued write operation.
type opKind uint8

const (
	opUpsert opKind = iota
	opDeleteHW
	opDeleteAddr
)

// writeOp is a queued mutation awaiting batched persistence.
type writeOp struct {
	kind    opKind
	lease   *Lease
	hw      net.HardwareAddr
	addr    netip.Addr
	queued  time.Time
}

// LeaseStore is the two-index, write-through in-memory lease cache with
// async batched persistence, expiry sweep, and declined-address
// quarantine.
//
// byHW and byIP are independent [sync.Map] instances rather than a single
// map guarded by one lock: the data model's invariant 4 documents that the
// two can briefly disagree during an address change, and using genuinely
// separate concurrent maps is the most direct way to implement — rather
// than merely permit — that documented window.
type LeaseStore struct {
	logger *slog.Logger

	byHW sync.Map // HWKey -> *Lease
	byIP sync.Map // netip.Addr -> *Lease

	declined *quarantine

	writes    chan writeOp
	persister Persister

	metrics *leaseStoreMetrics

	leaseTTLDefault time.Duration
}

// leaseStoreMetrics are the Prometheus counters/gauges named in the cache
// stats requirement.
type leaseStoreMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	writeOps      prometheus.Counter
	batches       prometheus.Counter
	pendingWrites prometheus.Gauge
}

// newLeaseStoreMetrics registers the lease store's counters on reg.
func newLeaseStoreMetrics(reg prometheus.Registerer) (m *leaseStoreMetrics) {
	m = &leaseStoreMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "lease_store",
			Name:      "hits_total",
			Help:      "Number of lease lookups that found an entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "lease_store",
			Name:      "misses_total",
			Help:      "Number of lease lookups that found no entry.",
		}),
		writeOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "lease_store",
			Name:      "write_ops_total",
			Help:      "Number of write operations queued for persistence.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "lease_store",
			Name:      "batches_total",
			Help:      "Number of batch commits attempted.",
		}),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcp4",
			Subsystem: "lease_store",
			Name:      "pending_writes",
			Help:      "Number of write operations queued but not yet committed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.writeOps, m.batches, m.pendingWrites)
	}

	return m
}

// writeQueueCapacity is the bounded channel capacity for queued write ops.
const writeQueueCapacity = 10_000

// NewLeaseStore constructs a LeaseStore.  Call Warmup before serving
// requests and Run in a background goroutine for the life of the process.
func NewLeaseStore(
	logger *slog.Logger,
	persister Persister,
	reg prometheus.Registerer,
	leaseTTLDefault time.Duration,
) (s *LeaseStore) {
	return &LeaseStore{
		logger:          logger,
		declined:        newQuarantine(),
		writes:          make(chan writeOp, writeQueueCapacity),
		persister:       persister,
		metrics:         newLeaseStoreMetrics(reg),
		leaseTTLDefault: leaseTTLDefault,
	}
}

// Warmup loads every non-expired lease from the persister into both
// indexes, marked persisted.
func (s *LeaseStore) Warmup(ctx context.Context) (err error) {
	leases, err := s.persister.LoadActiveLeases(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, l := range leases {
		if !l.End.After(now) {
			continue
		}

		l.IsPersisted = true
		s.store(l)
	}

	s.logger.InfoContext(ctx, "lease store warmed up", "leases", len(leases))

	return nil
}

// store places lease into both indexes, removing the prior by-address entry
// first if the address changed.  This is the two-step sequence invariant 4
// documents as the sole tolerated inconsistency window.
func (s *LeaseStore) store(lease *Lease) {
	key, ok := NewHWKey(lease.HWAddr)
	if !ok {
		return
	}

	if prev, ok := s.byHW.Load(key); ok {
		if old := prev.(*Lease); old.Address != lease.Address {
			s.byIP.Delete(old.Address)
		}
	}

	s.byIP.Store(lease.Address, lease)
	s.byHW.Store(key, lease)
}

// ByHW returns the current lease for hw, if any.
func (s *LeaseStore) ByHW(hw net.HardwareAddr) (lease *Lease, ok bool) {
	key, ok := NewHWKey(hw)
	if !ok {
		return nil, false
	}

	v, ok := s.byHW.Load(key)
	if !ok {
		s.metrics.misses.Inc()

		return nil, false
	}

	s.metrics.hits.Inc()

	return v.(*Lease), true
}

// ByAddr returns the current lease for addr, if any.
func (s *LeaseStore) ByAddr(addr netip.Addr) (lease *Lease, ok bool) {
	v, ok := s.byIP.Load(addr)
	if !ok {
		s.metrics.misses.Inc()

		return nil, false
	}

	s.metrics.hits.Inc()

	return v.(*Lease), true
}

// All returns every lease currently held, in no particular order. It is
// used for bulk reconciliation (the failover engine's UPDREQALL response),
// not on any per-request path.
func (s *LeaseStore) All() (leases []*Lease) {
	s.byHW.Range(func(_, v any) bool {
		leases = append(leases, v.(*Lease))

		return true
	})

	return leases
}

// Upsert applies lease to memory synchronously and enqueues its persistence.
// It blocks if the write queue is full, per the bounded-queue backpressure
// design.
func (s *LeaseStore) Upsert(ctx context.Context, lease *Lease) {
	lease.IsPersisted = false
	s.store(lease)

	s.enqueue(ctx, writeOp{kind: opUpsert, lease: lease, queued: time.Now()})
}

// DeleteByHW removes hw's lease from memory and enqueues its deletion.
func (s *LeaseStore) DeleteByHW(ctx context.Context, hw net.HardwareAddr) {
	key, ok := NewHWKey(hw)
	if !ok {
		return
	}

	if prev, ok := s.byHW.LoadAndDelete(key); ok {
		s.byIP.Delete(prev.(*Lease).Address)
	}

	s.enqueue(ctx, writeOp{kind: opDeleteHW, hw: hw, queued: time.Now()})
}

// enqueue pushes op onto the write channel, blocking the caller if it is
// full, per the lease store's documented backpressure semantics.
func (s *LeaseStore) enqueue(ctx context.Context, op writeOp) {
	s.metrics.writeOps.Inc()
	s.metrics.pendingWrites.Inc()

	select {
	case s.writes <- op:
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "enqueue canceled", slogutil.KeyError, ctx.Err())
	}
}

// MarkDeclined moves addr into the quarantine set and removes any lease
// held on it.
func (s *LeaseStore) MarkDeclined(ctx context.Context, addr netip.Addr) {
	if v, ok := s.byIP.LoadAndDelete(addr); ok {
		lease := v.(*Lease)
		if key, ok := NewHWKey(lease.HWAddr); ok {
			s.byHW.CompareAndDelete(key, lease)
		}

		s.enqueue(ctx, writeOp{kind: opDeleteAddr, addr: addr, queued: time.Now()})
	}

	s.declined.mark(addr, time.Hour)
}

// IsDeclined reports whether addr is currently quarantined.
func (s *LeaseStore) IsDeclined(addr netip.Addr) (declined bool) {
	return s.declined.isDeclined(addr)
}

// Sweep removes every entry whose End is at or before now from both
// indexes.  It never touches the persister; the relational store maintains
// its own expiry-based deletion.
func (s *LeaseStore) Sweep(now time.Time) (removed int) {
	s.byHW.Range(func(k, v any) bool {
		lease := v.(*Lease)
		if !lease.End.After(now) {
			s.byHW.Delete(k)
			s.byIP.CompareAndDelete(lease.Address, lease)
			removed++
		}

		return true
	})

	return removed
}
