package dhcp4

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// Config is the full, validated configuration snapshot for the DHCPv4 core:
// every subnet, pool, exclusion, client class, MAC reservation, and DDNS
// config the configuration index refreshes from the relational store.
type Config struct {
	Subnets      []*Subnet
	Pools        []*Pool
	Exclusions   []*Exclusion
	Classes      []*Class
	Reservations []*Reservation
	DDNSConfigs  []*DDNSConfig
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errNilConfig
	}

	if len(c.Subnets) == 0 {
		return errors.Error("no subnets specified")
	}

	var errs []error
	ids := map[string]bool{}
	for _, s := range c.Subnets {
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("subnet %s: duplicate id", s.ID))

			continue
		}
		ids[s.ID] = true

		errs = validate.Append(errs, fmt.Sprintf("subnet %s", s.ID), validateSubnet(s))
	}

	for _, p := range c.Pools {
		errs = validate.Append(errs, fmt.Sprintf("pool %s", p.ID), validatePool(p, ids))
	}

	for _, e := range c.Exclusions {
		if !e.Start.IsValid() || !e.End.IsValid() || e.End.Less(e.Start) {
			errs = append(errs, fmt.Errorf("exclusion in subnet %s: invalid range", e.SubnetID))
		}
	}

	return errors.Join(errs...)
}

// validateSubnet validates a single subnet descriptor.
func validateSubnet(s *Subnet) (err error) {
	if s == nil {
		return errors.Error("subnet is nil")
	}

	if !s.Network.IsValid() {
		return errors.Error("network is invalid")
	}

	if s.DefaultLease <= 0 {
		return errors.Error("default lease duration must be positive")
	}

	if s.MaxLease < s.DefaultLease {
		return errors.Error("max lease duration must be at least the default")
	}

	return nil
}

// validatePool validates a single pool descriptor, checking range ordering
// and that its subnet exists.
func validatePool(p *Pool, subnetIDs map[string]bool) (err error) {
	if p == nil {
		return errors.Error("pool is nil")
	}

	if !subnetIDs[p.SubnetID] {
		return fmt.Errorf("unknown subnet id %q", p.SubnetID)
	}

	if !p.Start.IsValid() || !p.End.IsValid() || p.End.Less(p.Start) {
		return errors.Error("range_start must be <= range_end")
	}

	return nil
}
