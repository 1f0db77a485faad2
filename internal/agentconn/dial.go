// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package agentconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sepiida/sepiida/internal/tunnel"
)

// DialConfig holds everything needed to establish one agent session.
type DialConfig struct {
	// Hostname is the managed host to connect to.
	Hostname string

	// Alias, when not empty, is the name whose known-hosts key the host
	// must present. Hosts sharing an installation image share a key
	// under one alias.
	Alias string

	// Port is the SSH port, 22 when zero.
	Port int

	// Username is the account the agent runs under.
	Username string

	// KeyPath is the private key used to authenticate.
	KeyPath string

	// KnownHostsPath is the known-hosts file holding agent host keys.
	KnownHostsPath string

	// AgentCommand is the command started on the host; its stdin and
	// stdout carry the agent protocol.
	AgentCommand string

	// Timeout bounds connection establishment, including the wait for
	// the agent's hello.
	Timeout time.Duration

	// Clock drives the hello timeout.
	Clock clock.Clock

	// Callbacks are passed through to the session.
	Callbacks Callbacks
}

// Validate returns an error if the config cannot be dialled.
func (config DialConfig) Validate() error {
	if config.Hostname == "" {
		return errors.NotValidf("empty Hostname")
	}
	if config.Username == "" {
		return errors.NotValidf("empty Username")
	}
	if config.KeyPath == "" {
		return errors.NotValidf("empty KeyPath")
	}
	if config.KnownHostsPath == "" {
		return errors.NotValidf("empty KnownHostsPath")
	}
	if config.AgentCommand == "" {
		return errors.NotValidf("empty AgentCommand")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Dial connects to a managed host over SSH, starts the agent command on
// it, and returns a Session once the agent's hello has arrived. The
// session owns the SSH connection; closing the session tears it down.
func Dial(ctx context.Context, config DialConfig) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	port := config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(config.Hostname, fmt.Sprint(port))

	keyData, err := os.ReadFile(config.KeyPath)
	if err != nil {
		return nil, errors.Annotate(err, "reading ssh key")
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, errors.Annotate(err, "parsing ssh key")
	}
	hostKeyCheck, err := knownhosts.New(config.KnownHostsPath)
	if err != nil {
		return nil, errors.Annotate(err, "loading known hosts")
	}
	if config.Alias != "" {
		// Verify against the alias entry rather than the host's own
		// name, so one known-hosts line covers a whole host range.
		alias := knownhosts.Normalize(net.JoinHostPort(config.Alias, fmt.Sprint(port)))
		inner := hostKeyCheck
		hostKeyCheck = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return inner(alias, remote, key)
		}
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialling %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, &ssh.ClientConfig{
		User:            config.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCheck,
		Timeout:         config.Timeout,
	})
	if err != nil {
		netConn.Close()
		return nil, errors.Annotatef(err, "ssh handshake with %s", addr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := startAgent(client, config)
	if err != nil {
		client.Close()
		return nil, errors.Trace(err)
	}

	// The agent speaks first. Nothing it reports before the hello can
	// be trusted to be complete, so the host is not connected until the
	// hello lands.
	var timeout <-chan time.Time
	if config.Timeout > 0 {
		timeout = config.Clock.After(config.Timeout)
	}
	select {
	case <-session.Hello():
		return session, nil
	case <-session.Done():
		err := session.Err()
		client.Close()
		return nil, errors.Annotatef(err, "waiting for hello from %s", config.Hostname)
	case <-timeout:
		session.Close()
		client.Close()
		return nil, errors.Errorf("timed out waiting for hello from %s", config.Hostname)
	case <-ctx.Done():
		session.Close()
		client.Close()
		return nil, errors.Trace(ctx.Err())
	}
}

// startAgent runs the agent command on the host and wraps its stdio in
// a Session.
func startAgent(client *ssh.Client, config DialConfig) (*Session, error) {
	sshSession, err := client.NewSession()
	if err != nil {
		return nil, errors.Annotate(err, "opening ssh session")
	}
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		sshSession.Close()
		return nil, errors.Trace(err)
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		sshSession.Close()
		return nil, errors.Trace(err)
	}
	if err := sshSession.Start(config.AgentCommand); err != nil {
		sshSession.Close()
		return nil, errors.Annotatef(err, "starting agent command %q", config.AgentCommand)
	}
	conn := &stdioConn{
		reader: stdout,
		writer: stdin,
		close: func() error {
			sshSession.Close()
			return client.Close()
		},
	}
	session, err := NewSession(conn, Config{
		Host:      config.Hostname,
		Clock:     config.Clock,
		Forwarder: tunnel.NewForwarder(client, config.Clock),
		Callbacks: config.Callbacks,
	})
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	return session, nil
}

// stdioConn joins an ssh session's stdout and stdin into one connection.
type stdioConn struct {
	reader io.Reader
	writer io.WriteCloser
	close  func() error
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.writer.Write(p) }

func (c *stdioConn) Close() error {
	c.writer.Close()
	return c.close()
}
