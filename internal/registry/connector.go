// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package registry

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/sepiida/sepiida/internal/agentconn"
)

// SSHConnector establishes agent sessions over SSH, starting the agent
// command on each host and speaking the agent protocol over its stdio.
type SSHConnector struct {
	// Username is the account agents run under on managed hosts.
	Username string

	// KeyPath is the private key authenticating the relay.
	KeyPath string

	// KnownHostsPath holds the managed hosts' host keys.
	KnownHostsPath string

	// AgentCommand is the command started on each host.
	AgentCommand string

	// Timeout bounds each connection attempt.
	Timeout time.Duration

	// Clock drives dial timeouts.
	Clock clock.Clock
}

// Connect implements Connector.
func (c SSHConnector) Connect(ctx context.Context, hostname, alias string, events SessionEvents) (Session, error) {
	session, err := agentconn.Dial(ctx, agentconn.DialConfig{
		Hostname:       hostname,
		Alias:          alias,
		Username:       c.Username,
		KeyPath:        c.KeyPath,
		KnownHostsPath: c.KnownHostsPath,
		AgentCommand:   c.AgentCommand,
		Timeout:        c.Timeout,
		Clock:          c.Clock,
		Callbacks: agentconn.Callbacks{
			UsersChanged: events.UsersChanged,
			InfoChanged:  events.InfoChanged,
			Activity:     events.Activity,
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return session, nil
}
