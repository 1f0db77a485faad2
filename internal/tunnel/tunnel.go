// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package tunnel provides on-demand local TCP listeners that forward a
// single connection to a port on a managed host through an established
// backend session. Remote-control responses carry port numbers that are
// only meaningful on the managed host; the relay rewrites them to locally
// forwarded ports before returning them to the front end.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("sepiida.tunnel")

// DefaultIdleTimeout is how long a forward listener waits for its one
// connection before closing.
const DefaultIdleTimeout = 10 * time.Second

// Dialer matches the signature of net.Dial. *ssh.Client implements it,
// dialing from the remote end of the session.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Forwarder creates forward listeners over one backend session.
type Forwarder struct {
	dialer      Dialer
	clock       clock.Clock
	idleTimeout time.Duration
}

// NewForwarder returns a Forwarder dialing remote ports through dialer.
func NewForwarder(dialer Dialer, clk clock.Clock) *Forwarder {
	return &Forwarder{
		dialer:      dialer,
		clock:       clk,
		idleTimeout: DefaultIdleTimeout,
	}
}

// Forward opens a listener on an ephemeral localhost port that forwards
// the first incoming connection to 127.0.0.1:remotePort on the managed
// host. The listener closes after that connection completes, or after the
// idle timeout if nothing connects. The bound local port is returned
// immediately so it can be embedded in a response before the forward is
// used.
func (f *Forwarder) Forward(remotePort int) (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Annotate(err, "opening forward listener")
	}
	localPort := listener.Addr().(*net.TCPAddr).Port
	go f.serve(listener, localPort, remotePort)
	return localPort, nil
}

func (f *Forwarder) serve(listener net.Listener, localPort, remotePort int) {
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	select {
	case conn := <-accepted:
		listener.Close()
		f.splice(conn, remotePort)
	case <-f.clock.After(f.idleTimeout):
		listener.Close()
		// A connection may have been accepted just as the timer
		// fired; serve it rather than dropping it.
		select {
		case conn := <-accepted:
			f.splice(conn, remotePort)
		default:
			logger.Debugf("forward on port %d to remote port %d timed out unused", localPort, remotePort)
		}
	}
}

func (f *Forwarder) splice(local net.Conn, remotePort int) {
	remote, err := f.dialer.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		logger.Errorf("cannot dial remote port %d: %v", remotePort, err)
		local.Close()
		return
	}
	// Closing both ends when either direction finishes unblocks the
	// other copy.
	go func() {
		io.Copy(remote, local)
		remote.Close()
		local.Close()
	}()
	io.Copy(local, remote)
	remote.Close()
	local.Close()
}
