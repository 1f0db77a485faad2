// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package agentconn implements the relay's side of the agent protocol:
// one Session per managed host, multiplexing concurrently in-flight
// requests over a single length-framed JSON stream by request ID.
// Responses may arrive in any order; correctness depends only on ID
// matching. The two negative IDs are standing subscriptions feeding
// user-list and host-info updates to the session's owner.
package agentconn

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/sepiida/sepiida/internal/params"
	"github.com/sepiida/sepiida/internal/wire"
)

var logger = loggo.GetLogger("sepiida.agentconn")

// ErrShutdown is returned by calls on a session whose connection has
// been closed or lost.
const ErrShutdown = errors.ConstError("agent session is shut down")

// PortForwarder provides local forwarding listeners for ports returned
// by vnc and login responses. *tunnel.Forwarder implements it.
type PortForwarder interface {
	Forward(remotePort int) (int, error)
}

// Callbacks deliver unsolicited agent traffic to the session's owner.
// All callbacks are invoked from the session's input goroutine.
type Callbacks struct {
	// UsersChanged is invoked with each user-list push (ID -1).
	UsersChanged func([]params.AgentUser)

	// InfoChanged is invoked with the hello payload (ID 0) and each
	// periodic info push (ID -2).
	InfoChanged func(params.AgentInfo)

	// Activity is invoked for every inbound frame, whatever its ID.
	// The registry uses it to feed the liveness watchdog.
	Activity func()
}

// Config holds a Session's dependencies.
type Config struct {
	// Host is the managed host's name, used in log messages.
	Host string

	// Clock drives timeouts.
	Clock clock.Clock

	// Forwarder rewrites remote ports in vnc and login responses. It
	// may be nil on sessions that never issue those calls.
	Forwarder PortForwarder

	// Callbacks receive unsolicited traffic. Any of them may be nil.
	Callbacks Callbacks
}

// Validate returns an error if the config cannot back a Session.
func (config Config) Validate() error {
	if config.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Session is one live agent connection. It owns the framed stream and a
// table of pending calls keyed by request ID. IDs are allocated
// sequentially starting after the reserved hello ID and are never reused
// while outstanding.
type Session struct {
	config Config
	codec  *wire.Codec

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan agentResponse
	closing bool

	// helloDone is closed when the reserved hello response arrives.
	helloDone chan struct{}
	helloOnce sync.Once

	// dead is closed when the input loop terminates; deadErr holds the
	// reason.
	dead    chan struct{}
	deadErr error
}

// agentResponse is the inbound frame shape. RequestID is a pointer so a
// frame lacking the field can be told apart from ID 0.
type agentResponse struct {
	RequestID *int64          `json:"requestID"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

// NewSession returns a Session speaking the agent protocol over conn and
// starts its input loop. The caller should wait on Hello before treating
// the host as connected.
func NewSession(conn io.ReadWriteCloser, config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Session{
		config:    config,
		codec:     wire.NewCodec(conn),
		nextID:    params.HelloID + 1,
		pending:   make(map[int64]chan agentResponse),
		helloDone: make(chan struct{}),
		dead:      make(chan struct{}),
	}
	go s.input()
	return s, nil
}

// Hello returns a channel closed once the initial hello response has
// been received from the agent.
func (s *Session) Hello() <-chan struct{} {
	return s.helloDone
}

// Done returns a channel closed when the session's connection has
// terminated, for whatever reason.
func (s *Session) Done() <-chan struct{} {
	return s.dead
}

// Err returns the reason the session terminated. It is only meaningful
// after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadErr
}

// Close shuts the session down. Pending calls fail with ErrShutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.codec.Close()
	<-s.dead
	return nil
}

// input reads frames until the connection fails, then fails every
// pending call so no caller is left waiting on a dead host.
func (s *Session) input() {
	var err error
	for {
		var resp agentResponse
		if err = s.codec.ReadMessage(&resp); err != nil {
			if errors.Cause(err) == wire.ErrBadPayload {
				// The frame was consumed; the stream is still
				// aligned. Drop it and carry on.
				logger.Errorf("%s: %v", s.config.Host, err)
				continue
			}
			break
		}
		s.dispatch(resp)
	}
	s.terminate(err)
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || errors.Cause(err) == io.EOF {
		err = ErrShutdown
	}
	s.deadErr = err
	// Pending calls select on dead; dropping the table here is enough
	// to fail them all exactly once.
	s.pending = nil
	close(s.dead)
}

func (s *Session) dispatch(resp agentResponse) {
	if resp.RequestID == nil {
		logger.Errorf("%s: response missing requestID", s.config.Host)
		return
	}
	if cb := s.config.Callbacks.Activity; cb != nil {
		cb()
	}
	id := *resp.RequestID
	switch id {
	case params.HelloID:
		s.handleInfo(resp.Data)
		s.helloOnce.Do(func() { close(s.helloDone) })
	case params.InfoUpdateID:
		s.handleInfo(resp.Data)
	case params.UserUpdateID:
		s.handleUsers(resp.Data)
	default:
		s.mu.Lock()
		done, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		if !ok {
			// Not fatal: the call may have been cancelled, or the
			// agent is confused. Other pending calls are unaffected.
			if resp.Error != "" {
				logger.Errorf("%s: response for unknown request %d: %s", s.config.Host, id, resp.Error)
			} else {
				logger.Errorf("%s: response for unknown request %d", s.config.Host, id)
			}
			return
		}
		// An error field is the caller's to report; call surfaces it.
		done <- resp
	}
}

func (s *Session) handleInfo(data json.RawMessage) {
	cb := s.config.Callbacks.InfoChanged
	if cb == nil {
		return
	}
	var info params.AgentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		logger.Errorf("%s: malformed info update: %v", s.config.Host, err)
		return
	}
	cb(info)
}

func (s *Session) handleUsers(data json.RawMessage) {
	cb := s.config.Callbacks.UsersChanged
	if cb == nil {
		return
	}
	var users []params.AgentUser
	if err := json.Unmarshal(data, &users); err != nil {
		logger.Errorf("%s: malformed user-list update: %v", s.config.Host, err)
		return
	}
	cb(users)
}

// call sends one request and waits for its response. An error field in
// the response surfaces as a call failure; transport loss surfaces as
// ErrShutdown.
func (s *Session) call(ctx context.Context, request string, args interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closing || s.pending == nil {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	id := s.nextID
	s.nextID++
	done := make(chan agentResponse, 1)
	s.pending[id] = done
	s.mu.Unlock()

	logger.Tracef("%s: sending request %q id %d", s.config.Host, request, id)
	if err := s.codec.WriteMessage(params.Request{
		Request:   request,
		RequestID: id,
		Args:      args,
	}); err != nil {
		s.forget(id)
		return nil, errors.Trace(err)
	}

	select {
	case resp := <-done:
		if resp.Error != "" {
			return nil, errors.Errorf("agent error: %s", resp.Error)
		}
		return resp.Data, nil
	case <-s.dead:
		return nil, ErrShutdown
	case <-ctx.Done():
		s.forget(id)
		return nil, errors.Trace(ctx.Err())
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		delete(s.pending, id)
	}
}
