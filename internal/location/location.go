// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package location resolves the physical location of hosts and client
// sessions through an external lookup command, typically backed by a site
// inventory. Locations feed the sameLocation authorization filter.
package location

import (
	"context"
	"os/exec"
	"strings"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("sepiida.location")

// Resolver looks up a location string for a client session on a host. An
// empty string means the location is unknown.
type Resolver interface {
	Lookup(ctx context.Context, server, client, hwaddr string) (string, error)
}

// CommandResolver resolves locations by running an external command with
// the server name, client name and client hardware address as arguments.
// A non-zero exit or empty output yields an unknown location rather than
// an error, matching the advisory nature of the lookup.
type CommandResolver struct {
	Command string
}

// Lookup implements Resolver.
func (r CommandResolver) Lookup(ctx context.Context, server, client, hwaddr string) (string, error) {
	if r.Command == "" {
		return "", nil
	}
	out, err := exec.CommandContext(ctx, r.Command, server, client, hwaddr).Output()
	if err != nil {
		logger.Debugf("location lookup for %s/%s failed: %v", server, client, err)
		return "", nil
	}
	return strings.TrimRight(string(out), "\n"), nil
}
