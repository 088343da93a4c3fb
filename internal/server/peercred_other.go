//go:build !linux

package server

import (
	"errors"
	"net"
)

// PeerCredentials holds the kernel-reported identity of a Unix socket peer.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

func (c PeerCredentials) String() string {
	return ""
}

func extractPeerCreds(conn net.Conn) (*PeerCredentials, error) {
	if _, ok := conn.(*net.UnixConn); !ok {
		return nil, errNotUnixSocket
	}
	return nil, errors.New("peer credentials not supported on this platform")
}
