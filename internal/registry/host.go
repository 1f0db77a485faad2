// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package registry

import (
	"sync"
	"time"

	"github.com/sepiida/sepiida/internal/params"
)

// State is a host's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Host is the registry's record of one managed host. It is updated by
// the host's connection worker and read by relay request handlers, so
// every field lives behind the mutex. The user table is replaced
// wholesale on each update push; snapshots handed out by accessors are
// copies and never shared.
type Host struct {
	name  string
	alias string

	mu           sync.Mutex
	state        State
	location     string
	info         params.AgentInfo
	lastResponse time.Time
	users        map[params.UserKey]params.User
	session      Session
}

func newHost(name, alias string) *Host {
	return &Host{
		name:  name,
		alias: alias,
		state: StateDisconnected,
		users: make(map[params.UserKey]params.User),
	}
}

// Name returns the host's configured name.
func (h *Host) Name() string {
	return h.name
}

// State returns the host's connection state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Connected reports whether the host has a live agent session.
func (h *Host) Connected() bool {
	return h.State() == StateConnected
}

// Location returns the host's resolved location, or the empty string.
func (h *Host) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location
}

// Info returns the most recent host information push.
func (h *Host) Info() params.AgentInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// LastResponse returns the time of the most recent agent frame.
func (h *Host) LastResponse() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResponse
}

// Session returns the host's agent session, or nil when disconnected.
func (h *Host) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Users returns a snapshot of the host's logged-in sessions.
func (h *Host) Users() []params.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]params.User, 0, len(h.users))
	for _, user := range h.users {
		users = append(users, user)
	}
	return users
}

// User returns the logged-in session with the given identity.
func (h *Host) User(key params.UserKey) (params.User, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.users[key]
	return user, ok
}

// UserCount returns the number of logged-in sessions.
func (h *Host) UserCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

func (h *Host) setState(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *Host) setConnected(session Session, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateConnected
	h.session = session
	h.lastResponse = now
}

// setDisconnected drops the session and the user table. Stale session
// lists must never satisfy relay requests once the host is unreachable.
func (h *Host) setDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateDisconnected
	h.session = nil
	h.users = make(map[params.UserKey]params.User)
}

func (h *Host) setLocation(location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.location = location
}

func (h *Host) setInfo(info params.AgentInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = info
}

func (h *Host) touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastResponse = now
}

// setUsers replaces the user table with the pushed list, carrying
// forward locations already resolved for identities that persist. It
// returns the identities that are new and still need a location lookup.
func (h *Host) setUsers(pushed []params.AgentUser) []params.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	var unresolved []params.User
	users := make(map[params.UserKey]params.User, len(pushed))
	for _, au := range pushed {
		key := params.UserKey{
			Username: au.Username,
			Server:   h.name,
			Client:   au.Client,
			Display:  au.Display,
		}
		user := params.User{
			UserKey:   key,
			Name:      au.Name,
			Groups:    au.Groups,
			LoginTime: au.Time,
			HWAddr:    au.HWAddr,
		}
		if old, ok := h.users[key]; ok {
			user.Location = old.Location
		} else {
			unresolved = append(unresolved, user)
		}
		users[key] = user
	}
	h.users = users
	return unresolved
}

// setUserLocation records an asynchronously resolved location. The user
// may have logged out in the meantime, in which case this is a no-op.
func (h *Host) setUserLocation(key params.UserKey, location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if user, ok := h.users[key]; ok {
		user.Location = location
		h.users[key] = user
	}
}
