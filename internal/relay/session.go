// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"

	"github.com/juju/errors"

	"github.com/sepiida/sepiida/internal/acl"
	"github.com/sepiida/sepiida/internal/params"
	"github.com/sepiida/sepiida/internal/wire"
)

// clientRequest is the inbound frame shape on the front-end leg. The
// relay numbers inbound requests itself, in arrival order, so any
// requestID field in the frame is ignored; the caller counts its own
// sends to match responses.
type clientRequest struct {
	Request string          `json:"request"`
	Args    json.RawMessage `json:"args"`
}

// clientSession serves one front-end connection. The authorization rule
// is bound once at connect time; a configuration reload affects new
// connections only.
type clientSession struct {
	config   Config
	codec    *wire.Codec
	username string
	rule     *acl.Rule

	// nextID numbers inbound requests. Only the read loop touches it.
	nextID int64
}

func newClientSession(conn net.Conn, config Config) (*clientSession, error) {
	username, err := config.Identifier.Identify(conn)
	if err != nil {
		return nil, errors.Annotate(err, "identifying peer")
	}
	return &clientSession{
		config:   config,
		codec:    wire.NewCodec(conn),
		username: username,
	}, nil
}

// serve runs the hello handshake and then the request loop. Requests
// are handled concurrently; responses carry the ID assigned to their
// request, so completion order does not matter.
func (s *clientSession) serve(ctx context.Context) {
	defer s.codec.Close()

	s.rule = s.config.Rules().FirstMatching(s.username, s.config.Groups)
	if s.rule == nil {
		logger.Infof("rejecting %q: no authorization rule applies", s.username)
		s.respond(params.HelloID, "hello", "", params.CodeNotAuthorized)
		return
	}
	logger.Infof("serving %q under rule %q", s.username, s.rule)
	s.respond(params.HelloID, "hello", "", "")

	for {
		var req clientRequest
		err := s.codec.ReadMessage(&req)
		if errors.Cause(err) == wire.ErrBadPayload {
			id := s.nextRequestID()
			logger.Errorf("%q sent an unparseable request: %v", s.username, err)
			s.respond(id, "", []params.Item{}, params.CodeInvalid)
			continue
		}
		if err != nil {
			if errors.Cause(err) != io.EOF {
				logger.Debugf("connection from %q closed: %v", s.username, err)
			}
			return
		}
		id := s.nextRequestID()
		go s.handle(ctx, id, req)
	}
}

func (s *clientSession) nextRequestID() int64 {
	s.nextID++
	return s.nextID
}

func (s *clientSession) respond(id int64, request string, data interface{}, errorCode string) {
	err := s.codec.WriteMessage(params.Response{
		RequestID: id,
		Request:   request,
		Data:      data,
		Error:     errorCode,
	})
	if err != nil {
		logger.Debugf("writing response to %q: %v", s.username, err)
	}
}

// locations returns the locations of the requesting user's own desktop
// sessions across the fleet. They feed the sameLocation filter; the
// assumption is that the relay username and the desktop username refer
// to the same person.
func (s *clientSession) locations() []string {
	var locations []string
	for _, host := range s.config.Backend.Hosts() {
		if !host.Connected() {
			continue
		}
		for _, user := range host.Users() {
			if user.Username == s.username {
				locations = append(locations, user.Location)
			}
		}
	}
	return locations
}
