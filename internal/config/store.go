// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package config

import (
	"sync"

	"github.com/sepiida/sepiida/internal/acl"
	"github.com/sepiida/sepiida/internal/registry"
)

// Store holds the current configuration snapshot. Readers always get a
// complete snapshot; a reload replaces the whole pointer, so operations
// in flight keep the snapshot they started with.
type Store struct {
	mu      sync.Mutex
	current *Config
}

// NewStore returns a Store holding the given initial configuration.
func NewStore(initial *Config) *Store {
	return &Store{current: initial}
}

// Current returns the current snapshot.
func (s *Store) Current() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) replace(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
}

// Rules returns the current authorization rules.
func (s *Store) Rules() acl.Rules {
	return s.Current().Rules
}

// HostSpecs returns the current host list in the registry's terms.
func (s *Store) HostSpecs() []registry.HostSpec {
	cfg := s.Current()
	specs := make([]registry.HostSpec, len(cfg.Hosts))
	for i, host := range cfg.Hosts {
		specs[i] = registry.HostSpec{Name: host.Name, Alias: host.Alias}
	}
	return specs
}
