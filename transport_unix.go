package relay

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"time"
)

// noDeadline clears a connection deadline.
var noDeadline time.Time

// UnixDialer connects to brokers over Unix domain sockets.
type UnixDialer struct{}

// Dial connects to the socket file at address.
func (d *UnixDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", address)
}

// UnixListener listens for stream sessions on a Unix domain socket.
type UnixListener struct {
	*net.UnixListener
	path string
}

// NewUnixListener creates a listener at path. A stale socket file left by a
// previous process is removed first; the file is removed again on Close.
func NewUnixListener(path string) (*UnixListener, error) {
	if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	listener.SetUnlinkOnClose(true)

	return &UnixListener{UnixListener: listener, path: path}, nil
}

// Path returns the socket file path.
func (l *UnixListener) Path() string {
	return l.path
}
