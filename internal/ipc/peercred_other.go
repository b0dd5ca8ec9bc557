//go:build !linux && !darwin

package ipc

import "net"

// GetPeerCredentials is unsupported here; the socket's file mode is the
// only access control.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredUnsupported
}
