package sutils

import (
	"github.com/scionproto/scion/go/lib/snet"
)

// SetPath pins addr to path
func SetPath(addr *snet.UDPAddr, path snet.Path) {
	if path == nil {
		addr.Path = nil
		addr.NextHop = nil
		return
	}
	addr.Path = path.Path()
	addr.NextHop = path.UnderlayNextHop()
}
