package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/zachbabanov/loadzone/pool"
)

// SeedVM is one pool entry in a seed file.
type SeedVM struct {
	ID         string `toml:"id"`
	Group      string `toml:"group"`
	ExternalIP string `toml:"external_ip"`
	InternalIP string `toml:"internal_ip"`
}

// SeedGroup is one named group in a seed file.
type SeedGroup struct {
	Name string `toml:"name"`
}

// Seed describes the initial resource pool.
type Seed struct {
	VMs    []SeedVM    `toml:"vms"`
	Groups []SeedGroup `toml:"groups"`
}

// LoadSeed parses a TOML seed file.
func LoadSeed(path string) (*Seed, error) {
	var seed Seed
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return &seed, nil
}

// Validate rejects duplicate or blank identifiers.
func (s *Seed) Validate() error {
	vms := make(map[string]bool, len(s.VMs))
	for _, vm := range s.VMs {
		if vm.ID == "" {
			return fmt.Errorf("vm with empty id")
		}
		if vms[vm.ID] {
			return fmt.Errorf("duplicate vm id %q", vm.ID)
		}
		vms[vm.ID] = true
	}
	groups := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("group with empty name")
		}
		if groups[g.Name] {
			return fmt.Errorf("duplicate group %q", g.Name)
		}
		groups[g.Name] = true
	}
	// Groups referenced by VMs must be declared so memberships resolve.
	for _, vm := range s.VMs {
		if vm.Group != "" && !groups[vm.Group] {
			return fmt.Errorf("vm %q references undeclared group %q", vm.ID, vm.Group)
		}
	}
	return nil
}

// Resources converts the seed into pool seed entries.
func (s *Seed) Resources() []pool.SeedResource {
	out := make([]pool.SeedResource, 0, len(s.VMs))
	for _, vm := range s.VMs {
		out = append(out, pool.SeedResource{
			ID:         vm.ID,
			Group:      vm.Group,
			ExternalIP: vm.ExternalIP,
			InternalIP: vm.InternalIP,
		})
	}
	return out
}

// PoolGroups converts the declared groups into pool seed entries.
func (s *Seed) PoolGroups() []pool.SeedGroup {
	out := make([]pool.SeedGroup, 0, len(s.Groups))
	for _, g := range s.Groups {
		out = append(out, pool.SeedGroup{Name: g.Name})
	}
	return out
}
