// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package acl

import (
	"os"
	"strings"

	"github.com/juju/errors"
)

// EtcGroupSource resolves group membership from the system group
// database. The file is re-read on every lookup so that membership
// changes are observed at evaluation time. The standard library's os/user
// does not expose group members, so the file is parsed directly.
type EtcGroupSource struct {
	// Path is the group database, /etc/group when empty.
	Path string
}

// Members implements GroupSource.
func (s EtcGroupSource) Members(group string) ([]string, error) {
	path := s.Path
	if path == "" {
		path = "/etc/group"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading group database")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// name:password:gid:member,member,...
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[0] != group {
			continue
		}
		members := strings.TrimSpace(fields[3])
		if members == "" {
			return nil, nil
		}
		return strings.Split(members, ","), nil
	}
	return nil, errors.NotFoundf("group %q", group)
}
