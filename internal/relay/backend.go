// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package relay

import (
	"github.com/sepiida/sepiida/internal/params"
	"github.com/sepiida/sepiida/internal/registry"
)

// Host is the relay's view of one managed host.
type Host interface {
	Name() string
	Connected() bool
	Location() string
	Info() params.AgentInfo
	Users() []params.User
	User(key params.UserKey) (params.User, bool)
	UserCount() int
	Session() registry.Session
}

// Backend is the relay's view of the host registry.
type Backend interface {
	// Host returns the named host's record, if it is configured.
	Host(name string) (Host, bool)

	// Hosts returns all configured hosts.
	Hosts() []Host
}

type registryBackend struct {
	registry *registry.Registry
}

// NewRegistryBackend adapts a host registry into a Backend.
func NewRegistryBackend(r *registry.Registry) Backend {
	return registryBackend{registry: r}
}

// Host implements Backend.
func (b registryBackend) Host(name string) (Host, bool) {
	host := b.registry.Host(name)
	if host == nil {
		return nil, false
	}
	return host, true
}

// Hosts implements Backend.
func (b registryBackend) Hosts() []Host {
	regHosts := b.registry.Hosts()
	hosts := make([]Host, len(regHosts))
	for i, host := range regHosts {
		hosts[i] = host
	}
	return hosts
}
