// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package tunnel_test

import (
	"fmt"
	"net"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/sepiida/sepiida/internal/tunnel"
)

// pipeDialer hands out one end of a pipe per dial and records the
// addresses dialled.
type pipeDialer struct {
	remotes chan net.Conn
	dialled chan string
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		remotes: make(chan net.Conn, 1),
		dialled: make(chan string, 1),
	}
}

func (d *pipeDialer) Dial(network, address string) (net.Conn, error) {
	local, remote := net.Pipe()
	d.remotes <- remote
	d.dialled <- address
	return local, nil
}

type tunnelSuite struct {
	testing.IsolationSuite
	clock  *testclock.Clock
	dialer *pipeDialer
}

var _ = gc.Suite(&tunnelSuite{})

func (s *tunnelSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Time{})
	s.dialer = newPipeDialer()
}

func (s *tunnelSuite) TestForwardsOneConnection(c *gc.C) {
	forwarder := tunnel.NewForwarder(s.dialer, s.clock)
	port, err := forwarder.Forward(5900)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(port, gc.Not(gc.Equals), 0)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	var remote net.Conn
	select {
	case remote = <-s.dialer.remotes:
	case <-time.After(testing.LongWait):
		c.Fatalf("forward never dialled the remote end")
	}
	defer remote.Close()
	c.Assert(<-s.dialer.dialled, gc.Equals, "127.0.0.1:5900")

	_, err = conn.Write([]byte("ping"))
	c.Assert(err, jc.ErrorIsNil)
	buf := make([]byte, 4)
	remote.SetReadDeadline(time.Now().Add(testing.LongWait))
	_, err = remote.Read(buf)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(buf), gc.Equals, "ping")

	go func() {
		remote.SetWriteDeadline(time.Now().Add(testing.LongWait))
		remote.Write([]byte("pong"))
	}()
	conn.SetReadDeadline(time.Now().Add(testing.LongWait))
	_, err = conn.Read(buf)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(buf), gc.Equals, "pong")
}

func (s *tunnelSuite) TestListenerClosesAfterFirstConnection(c *gc.C) {
	forwarder := tunnel.NewForwarder(s.dialer, s.clock)
	port, err := forwarder.Forward(5900)
	c.Assert(err, jc.ErrorIsNil)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()
	remote := <-s.dialer.remotes
	defer remote.Close()

	// The listener only serves one connection.
	assertRefusedSoon(c, port)
}

func (s *tunnelSuite) TestIdleTimeoutClosesListener(c *gc.C) {
	forwarder := tunnel.NewForwarder(s.dialer, s.clock)
	port, err := forwarder.Forward(5900)
	c.Assert(err, jc.ErrorIsNil)

	err = s.clock.WaitAdvance(tunnel.DefaultIdleTimeout, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	assertRefusedSoon(c, port)
}

// assertRefusedSoon waits for connections to the port to start failing.
// Listener teardown is asynchronous, so the first dials may still be
// accepted by the kernel's backlog.
func assertRefusedSoon(c *gc.C, port int) {
	timeout := time.After(testing.LongWait)
	for {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return
		}
		conn.Close()
		select {
		case <-timeout:
			c.Fatalf("listener on port %d still accepting", port)
		case <-time.After(testing.ShortWait):
		}
	}
}
