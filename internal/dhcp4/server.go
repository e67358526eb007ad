package dhcp4

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig is the process-level configuration for constructing a
// [Server]: the listening interfaces, the server identifier advertised in
// option 54, and the collaborators wired in from outside the core.
type ServerConfig struct {
	// Interfaces is the set of interface names to listen on. An empty raw
	// profile attempt falls back to the portable profile automatically per
	// interface.
	Interfaces []string

	// ServerID is the address advertised in option 54.
	ServerID netip.Addr

	Logger *slog.Logger

	Refresh   RefreshFunc
	Persister Persister

	DDNS       DDNSNotifier
	Replicator BindingReplicator

	Registerer prometheus.Registerer

	DefaultLeaseTTL time.Duration
}

// Server owns every long-lived task of the DHCPv4 core: one receiver per
// interface, the fan-in queue, the lease store's batch writer and expiry
// sweeper, and the dispatcher that ties them together.
type Server struct {
	logger *slog.Logger

	index      *ConfigIndex
	store      *LeaseStore
	dispatcher *Dispatcher
	ingress    *Ingress

	devices        []NetworkDevice
	ifaceNames     []string
	ingressMetrics *ingressMetrics

	wg sync.WaitGroup
}

// New constructs a Server from cfg. It performs no I/O beyond what New's
// collaborators require (an initial configuration load and lease store
// warm-up); call Start to open sockets and begin serving.
func New(ctx context.Context, cfg *ServerConfig) (s *Server, err error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	if len(cfg.Interfaces) == 0 {
		return nil, errNoInterfaces
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	index := NewConfigIndex(logger.With("component", "config_index"), cfg.Refresh)
	if _, err = index.Snapshot(ctx); err != nil {
		return nil, fmt.Errorf("loading initial configuration: %w", err)
	}

	reg := cfg.Registerer

	store := NewLeaseStore(
		logger.With("component", "lease_store"),
		cfg.Persister,
		reg,
		cfg.DefaultLeaseTTL,
	)
	if err = store.Warmup(ctx); err != nil {
		return nil, fmt.Errorf("warming up lease store: %w", err)
	}

	ingressMetrics := newIngressMetrics(reg)
	ingress := NewIngress(logger.With("component", "ingress"), writeQueueCapacity, ingressMetrics)

	dispatcher := NewDispatcher(
		logger.With("component", "dispatcher"),
		index,
		store,
		cfg.DDNS,
		cfg.Replicator,
		cfg.ServerID,
		reg,
	)

	return &Server{
		logger:         logger,
		index:          index,
		store:          store,
		dispatcher:     dispatcher,
		ingress:        ingress,
		ifaceNames:     cfg.Interfaces,
		ingressMetrics: ingressMetrics,
	}, nil
}

// Start opens a capture device per configured interface (falling back from
// the raw profile to the portable profile where the raw profile cannot be
// opened) and spawns the receiver, writer, sweeper, and dispatcher tasks.
// It returns once every device is open; the spawned tasks run until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) (err error) {
	for _, name := range s.interfaceNames() {
		dev, derr := s.openDevice(name)
		if derr != nil {
			return fmt.Errorf("opening device %s: %w", name, derr)
		}

		s.devices = append(s.devices, dev)

		s.wg.Add(1)
		go func(d NetworkDevice) {
			defer s.wg.Done()

			RunReceiver(ctx, s.logger, d, s.ingress, s.ingressMetrics)
		}(dev)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()

		s.store.RunWriter(ctx)
	}()
	go func() {
		defer s.wg.Done()

		s.store.RunSweeper(ctx)
	}()
	go func() {
		defer s.wg.Done()

		s.runDispatchLoop(ctx)
	}()

	return nil
}

// LeaseStore returns the server's lease store, so an external collaborator
// (the failover engine) can apply bindings replicated from a peer to the
// same store the dispatcher reads and writes.
func (s *Server) LeaseStore() (store *LeaseStore) {
	return s.store
}

// SetReplicator installs the failover engine as the dispatcher's binding
// replicator. It must be called, if at all, before Start.
func (s *Server) SetReplicator(r BindingReplicator) {
	s.dispatcher.SetReplicator(r)
}

// interfaceNames returns the interfaces Start should open devices for.
func (s *Server) interfaceNames() (names []string) {
	return s.ifaceNames
}

// runDispatchLoop consumes the ingress queue and sends each reply on the
// interface the request arrived on.
func (s *Server) runDispatchLoop(ctx context.Context) {
	for {
		pkt, ok := s.ingress.Receive(ctx)
		if !ok {
			return
		}

		reply := s.dispatcher.Handle(ctx, pkt)
		if reply == nil {
			continue
		}

		SendReply(ctx, s.logger, pkt.Device, pkt.Msg, reply)
	}
}

// openDevice opens the raw profile for name, falling back to the portable
// profile if the raw profile cannot be opened (e.g. insufficient
// privilege, or a platform build without raw support).
func (s *Server) openDevice(name string) (dev NetworkDevice, err error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface: %w", err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("listing addresses: %w", err)
	}

	var srcIP net.IP
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			srcIP = ipNet.IP.To4()

			break
		}
	}

	if raw, rerr := newRawDevice(iface, srcIP); rerr == nil {
		return raw, nil
	} else {
		s.logger.Warn("raw profile unavailable, falling back to portable", "interface", name, slogutil.KeyError, rerr)
	}

	return newPortableDevice()
}

// Shutdown waits for every spawned task to observe ctx's cancellation and
// return, then closes the capture devices.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	s.wg.Wait()

	for _, d := range s.devices {
		if cerr := d.Close(); cerr != nil {
			err = cerr
		}
	}

	return err
}
