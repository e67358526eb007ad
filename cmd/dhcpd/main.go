// Command dhcpd is the process entrypoint: it wires the relational store,
// the DHCPv4 core, the DDNS client, and the failover engine together and
// runs them until terminated. Parsing a configuration file, migrating the
// database schema, and every other bootstrap concern outside that wiring
// are left to the deployment tooling that invokes this binary.
package main

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AdguardTeam/dhcpfailoverd/internal/ddns"
	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcp4"
	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcpstore"
	"github.com/AdguardTeam/dhcpfailoverd/internal/failover"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        slog.LevelInfo,
		AddTimestamp: true,
	})

	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "dhcpd exited with error", slogutil.KeyError, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) (err error) {
	store, err := dhcpstore.Open(ctx, os.Getenv("DHCPD_DSN"))
	if err != nil {
		return err
	}
	defer store.Close()

	serverID, err := netip.ParseAddr(os.Getenv("DHCPD_SERVER_ID"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	notifier := ddns.NewClient(logger.With("component", "ddns"), store)

	ifaces := strings.Split(os.Getenv("DHCPD_INTERFACES"), ",")

	srv, err := dhcp4.New(ctx, &dhcp4.ServerConfig{
		Interfaces:      ifaces,
		ServerID:        serverID,
		Logger:          logger.With("component", "dhcp4"),
		Refresh:         store.LoadConfig,
		Persister:       store,
		DDNS:            notifier,
		Registerer:      reg,
		DefaultLeaseTTL: 12 * time.Hour,
	})
	if err != nil {
		return err
	}

	engine, err := buildFailoverEngine(ctx, logger, store, srv.LeaseStore(), serverID)
	if err != nil {
		return err
	}

	if engine != nil {
		srv.SetReplicator(engine)

		go func() {
			if rerr := engine.Run(ctx); rerr != nil {
				logger.ErrorContext(ctx, "failover engine stopped", slogutil.KeyError, rerr)
			}
		}()

		go runFailoverStatePersister(ctx, logger, store, engine)
	}

	if err = srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildFailoverEngine prefers the failover_peers row the database selects
// as enabled; if none is enabled, it falls back to the environment-provided
// peer address so a freshly bootstrapped database still gets the role flag
// and peer address the operator surface promises. It returns a nil engine,
// nil error if failover is not configured either way.
func buildFailoverEngine(
	ctx context.Context,
	logger *slog.Logger,
	store *dhcpstore.Store,
	leaseStore *dhcp4.LeaseStore,
	serverID netip.Addr,
) (e *failover.Engine, err error) {
	cfg, err := store.LoadFailoverPeer(ctx)
	if err != nil {
		return nil, err
	}

	if cfg == nil {
		peerAddr := os.Getenv("DHCPD_FAILOVER_PEER_ADDR")
		if peerAddr == "" {
			return nil, nil
		}

		cfg = &failover.Config{
			Primary:           os.Getenv("DHCPD_FAILOVER_ROLE") == "primary",
			LocalAddr:         serverID,
			PeerDialAddr:      peerAddr,
			ListenAddr:        os.Getenv("DHCPD_FAILOVER_LISTEN_ADDR"),
			Split:             128,
			MCLT:              time.Hour,
			MaxResponseDelay:  30 * time.Second,
			MaxUnackedUpdates: 10,
		}
	}

	return failover.NewEngine(logger.With("component", "failover"), *cfg, leaseStore), nil
}

// runFailoverStatePersister periodically upserts the engine's own and
// peer-reported failover state, implementing the failover_state "upsert
// current state" core operation.
func runFailoverStatePersister(
	ctx context.Context,
	logger *slog.Logger,
	store *dhcpstore.Store,
	engine *failover.Engine,
) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if serr := store.SaveFailoverState(ctx, engine.State(), engine.PeerState()); serr != nil {
				logger.WarnContext(ctx, "saving failover state", slogutil.KeyError, serr)
			}
		}
	}
}
