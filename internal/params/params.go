// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package params holds the types shared between the relay protocol, the
// agent protocol and the host registry: the frame structures exchanged on
// both legs of the wire, the user identity key, and the error codes used
// in per-item results.
package params

// Reserved request IDs on the agent leg. Non-negative IDs above HelloID
// are allocated sequentially per session; the two negative IDs identify
// standing subscriptions that are never removed.
const (
	// HelloID is the ID of the initial hello/info response sent by an
	// agent immediately after its session is established.
	HelloID int64 = 0

	// UserUpdateID identifies unsolicited user-list pushes.
	UserUpdateID int64 = -1

	// InfoUpdateID identifies unsolicited periodic info pushes.
	InfoUpdateID int64 = -2
)

// Error codes carried in the error field of responses and result items.
const (
	CodeInvalid       = "invalid"
	CodeNotAuthorized = "notauthorized"
	CodeNotFound      = "notfound"
)

// Request is one framed request, sent by a front-end client to the relay
// or by the relay to a managed-host agent. Args is a list of items for
// user-targeted requests and a single object for host-targeted agent
// requests.
type Request struct {
	Request   string      `json:"request"`
	RequestID int64       `json:"requestID"`
	Args      interface{} `json:"args"`
}

// Response is one framed response. Request echoes the request name,
// empty when the request could not even be parsed; an empty Error means
// success.
type Response struct {
	RequestID int64       `json:"requestID"`
	Request   string      `json:"request"`
	Data      interface{} `json:"data"`
	Error     string      `json:"error"`
}

// UserKey identifies one logged-in desktop session on a managed host. It
// is stable across refresh cycles and is used as a map key.
type UserKey struct {
	Username string
	Server   string
	Client   string
	Display  string
}

// User is one logged-in session as tracked by the host registry.
type User struct {
	UserKey
	Name      string
	Groups    []string
	LoginTime int64
	HWAddr    string
	Location  string
}

// AgentUser is one entry of the user list reported by a managed-host
// agent. The agent does not report the server name; the owning session
// fills it in.
type AgentUser struct {
	Username string   `json:"username"`
	Client   string   `json:"client"`
	HWAddr   string   `json:"hwaddr"`
	Display  string   `json:"display"`
	Name     string   `json:"name"`
	Groups   []string `json:"groups"`
	Time     int64    `json:"time"`
}

// AgentInfo is the host information sent in the hello response and pushed
// periodically by an agent.
type AgentInfo struct {
	Uptime int64   `json:"uptime"`
	Load   float64 `json:"load"`
	OS     string  `json:"os"`
}
