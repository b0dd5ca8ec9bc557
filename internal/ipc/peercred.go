package ipc

import (
	"errors"
	"net"
	"os"
)

// ErrPeerCredUnsupported is returned where the platform cannot report the
// peer of a unix socket.
var ErrPeerCredUnsupported = errors.New("ipc: peer credentials not supported on this platform")

// PeerCredentials identifies the process on the other end of a connection.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// VerifyPeerIsCurrentUser reports whether conn was opened by a process
// running as the daemon's user.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}
