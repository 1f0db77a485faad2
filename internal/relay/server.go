// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package relay serves the front-end protocol on a unix socket:
// authenticate each connecting process by its peer credentials, bind it
// to an authorization rule, and relay its requests to managed-host
// agents through the host registry.
package relay

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"

	"github.com/sepiida/sepiida/internal/acl"
)

var logger = loggo.GetLogger("sepiida.relay")

// Identifier resolves the identity of a connecting process. The
// production implementation reads the socket's peer credentials.
type Identifier interface {
	Identify(conn net.Conn) (string, error)
}

// Config holds a Server's dependencies.
type Config struct {
	// SocketPath is the unix socket to listen on.
	SocketPath string

	// Identifier authenticates connecting processes.
	Identifier Identifier

	// Backend is the host registry.
	Backend Backend

	// Rules returns the current authorization rules. A connection binds
	// its rule at connect time and keeps it until it closes.
	Rules func() acl.Rules

	// Groups resolves group membership for rule matching.
	Groups acl.GroupSource

	// Clock is used for timestamps in log messages and tests.
	Clock clock.Clock
}

// Validate returns an error if the config cannot back a Server.
func (config Config) Validate() error {
	if config.SocketPath == "" {
		return errors.NotValidf("empty SocketPath")
	}
	if config.Identifier == nil {
		return errors.NotValidf("nil Identifier")
	}
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Rules == nil {
		return errors.NotValidf("nil Rules")
	}
	if config.Groups == nil {
		return errors.NotValidf("nil Groups")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Server accepts and serves front-end connections.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer returns a Server listening on the configured socket. A
// stale socket file from an earlier run is removed first.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.Remove(config.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "removing stale socket")
	}
	listener, err := net.Listen("unix", config.SocketPath)
	if err != nil {
		return nil, errors.Annotate(err, "listening on socket")
	}
	s := &Server{
		config:   config,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		listener.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

func (s *Server) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.accept(ctx)
	}()

	<-s.catacomb.Dying()
	s.listener.Close()
	s.closeConns()
	<-done
	return s.catacomb.ErrDying()
}

func (s *Server) accept(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.catacomb.Dying():
			default:
				logger.Errorf("accepting connection: %v", err)
			}
			return
		}
		s.track(conn)
		go func() {
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	session, err := newClientSession(conn, s.config)
	if err != nil {
		logger.Errorf("rejecting connection: %v", err)
		conn.Close()
		return
	}
	session.serve(ctx)
}
