// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package params

import (
	"encoding/json"
)

// Item is one argument or result element on the wire. Requests carry
// arbitrary extra fields alongside the user or host identity, and result
// items echo them back, so items stay generic maps rather than structs.
type Item map[string]interface{}

// String returns the named field if it is present and a string.
func (i Item) String(field string) (string, bool) {
	v, ok := i[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the named field as an int. JSON numbers decode as float64;
// json.Number and int values are accepted too.
func (i Item) Int(field string) (int, bool) {
	switch v := i[field].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// ErrorCode returns the item's error field, or the empty string.
func (i Item) ErrorCode() string {
	s, _ := i.String("error")
	return s
}

// SetError sets the item's error field.
func (i Item) SetError(code string) {
	i["error"] = code
}

// Server returns the item's server field.
func (i Item) Server() (string, bool) {
	return i.String("server")
}

// Key extracts the user identity from the item. It reports false if any
// of the four identity fields is missing or not a string.
func (i Item) Key() (UserKey, bool) {
	username, ok := i.String("username")
	if !ok {
		return UserKey{}, false
	}
	server, ok := i.String("server")
	if !ok {
		return UserKey{}, false
	}
	client, ok := i.String("client")
	if !ok {
		return UserKey{}, false
	}
	display, ok := i.String("display")
	if !ok {
		return UserKey{}, false
	}
	return UserKey{
		Username: username,
		Server:   server,
		Client:   client,
		Display:  display,
	}, true
}

// Clone returns a shallow copy of the item.
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}
