// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package agentconn

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/sepiida/sepiida/internal/params"
)

// itemCall issues a user-targeted request whose args and result are both
// item lists.
func (s *Session) itemCall(ctx context.Context, request string, items []params.Item) ([]params.Item, error) {
	data, err := s.call(ctx, request, items)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var results []params.Item
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, errors.Annotatef(err, "decoding %s result", request)
	}
	return results, nil
}

// objectCall issues a host-targeted request whose args and result are
// both single objects.
func (s *Session) objectCall(ctx context.Context, request string, item params.Item) (params.Item, error) {
	data, err := s.call(ctx, request, item)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var result params.Item
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Annotatef(err, "decoding %s result", request)
	}
	return result, nil
}

// Users asks the agent for its current user list. Routine updates arrive
// through the UsersChanged callback instead; this call exists for
// explicit refreshes.
func (s *Session) Users(ctx context.Context) ([]params.AgentUser, error) {
	data, err := s.call(ctx, "users", nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var users []params.AgentUser
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, errors.Annotate(err, "decoding user list")
	}
	return users, nil
}

// Processes returns the process lists of the given user sessions.
func (s *Session) Processes(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "processes", items)
}

// KillProcesses kills the processes named by pid in each item.
func (s *Session) KillProcesses(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "killProcesses", items)
}

// Thumbnails returns screen thumbnails of the given user sessions.
func (s *Session) Thumbnails(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "thumbnails", items)
}

// VNC starts remote-control servers for the given user sessions. The
// ports in the result are only reachable on the managed host, so each
// successful item has its port rewritten to a locally forwarded one.
func (s *Session) VNC(ctx context.Context, items []params.Item) ([]params.Item, error) {
	results, err := s.itemCall(ctx, "vnc", items)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.rewritePorts(results); err != nil {
		return nil, errors.Trace(err)
	}
	return results, nil
}

// Login starts a remote-control server on the host's login screen.
// Unlike the user-targeted calls, args and result are single objects.
// Like VNC, the returned port is rewritten to a locally forwarded one.
func (s *Session) Login(ctx context.Context, item params.Item) (params.Item, error) {
	result, err := s.objectCall(ctx, "login", item)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.rewritePorts([]params.Item{result}); err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// Message displays a message to the given user sessions.
func (s *Session) Message(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "message", items)
}

// Logout ends the given user sessions.
func (s *Session) Logout(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "logout", items)
}

// Lock locks the screens of the given user sessions.
func (s *Session) Lock(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "lock", items)
}

// OpenURL opens the url named in each item in the user's browser.
func (s *Session) OpenURL(ctx context.Context, items []params.Item) ([]params.Item, error) {
	return s.itemCall(ctx, "openURL", items)
}

// Shutdown powers the host off or reboots it, per the action field.
func (s *Session) Shutdown(ctx context.Context, item params.Item) (params.Item, error) {
	return s.objectCall(ctx, "shutdown", item)
}

// rewritePorts replaces the port of each successful item with a local
// forwarding port. Items already carrying an error are left alone.
func (s *Session) rewritePorts(items []params.Item) error {
	for _, item := range items {
		if item.ErrorCode() != "" {
			continue
		}
		remotePort, ok := item.Int("port")
		if !ok {
			continue
		}
		if s.config.Forwarder == nil {
			return errors.Errorf("no port forwarder configured")
		}
		localPort, err := s.config.Forwarder.Forward(remotePort)
		if err != nil {
			return errors.Annotatef(err, "forwarding port %d", remotePort)
		}
		item["port"] = localPort
	}
	return nil
}
