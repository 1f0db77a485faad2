// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package relay

import (
	"net"
	"os/user"
	"strconv"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// PeerCredIdentifier identifies a connecting process by the unix
// socket's peer credentials: the kernel reports the UID of the process
// on the other end, which cannot be spoofed without root.
type PeerCredIdentifier struct{}

// Identify implements Identifier.
func (PeerCredIdentifier) Identify(conn net.Conn) (string, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return "", errors.Errorf("connection is not a unix socket")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return "", errors.Trace(err)
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return "", errors.Trace(err)
	}
	if credErr != nil {
		return "", errors.Annotate(credErr, "reading peer credentials")
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(cred.Uid), 10))
	if err != nil {
		return "", errors.Annotatef(err, "resolving uid %d", cred.Uid)
	}
	return u.Username, nil
}
