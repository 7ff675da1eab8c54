package socket

import (
	"context"
	"net"

	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
)

// Dialer opens one reliable stream to a remote over a specific path
type Dialer interface {
	DialPath(ctx context.Context, remote string, path *pathselection.Path) (net.Conn, error)
}

// Listener accepts reliable streams opened by remote Dialers
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}
