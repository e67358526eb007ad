package dhcp4

import (
	"context"
	"net/netip"
	"time"
)

// sweepInterval is the default period between expiry sweeps and quarantine
// reconsideration passes.
const sweepInterval = 60 * time.Second

// RunSweeper periodically removes expired leases and reconsiders the
// declined-address quarantine until ctx is canceled.
func (s *LeaseStore) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := s.Sweep(now)
			s.declined.reconsider(now)

			if removed > 0 {
				s.logger.DebugContext(ctx, "expiry sweep", "removed", removed)
			}
		}
	}
}

// ClearDeclined removes addr from the declined quarantine immediately, for
// administrative use.
func (s *LeaseStore) ClearDeclined(addr netip.Addr) {
	s.declined.clear(addr)
}
