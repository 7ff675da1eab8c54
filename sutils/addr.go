package sutils

import (
	"fmt"
	"net"

	"github.com/netsec-ethz/scion-apps/pkg/pan"
	"github.com/scionproto/scion/go/lib/addr"
	"github.com/scionproto/scion/go/lib/snet"
	"inet.af/netaddr"
)

// ResolveUDPAddr resolves a SCION address or a host name known to the
// hosts files / RAINS
func ResolveUDPAddr(address string) (*snet.UDPAddr, error) {
	if a, err := snet.ParseUDPAddr(address); err == nil {
		return a, nil
	}
	laddr, err := pan.ResolveUDPAddr(address)
	if err != nil {
		return nil, err
	}
	return PanToSnetUDPAddr(laddr), nil
}

func PanToSnetUDPAddr(a pan.UDPAddr) *snet.UDPAddr {
	return &snet.UDPAddr{
		IA:   addr.IA(a.IA),
		Host: netaddr.IPPortFrom(a.IP, a.Port).UDPAddr(),
	}
}

// ListenAddr returns the underlay address to bind for a local SCION address
func ListenAddr(local *snet.UDPAddr) *net.UDPAddr {
	return &net.UDPAddr{IP: local.Host.IP, Port: local.Host.Port}
}

// WithPort returns a copy of the address with another port
func WithPort(a *snet.UDPAddr, port int) *snet.UDPAddr {
	c := a.Copy()
	c.Host.Port = port
	return c
}

// HostPort formats the underlay part of an address
func HostPort(a *snet.UDPAddr) string {
	return fmt.Sprintf("%s:%d", a.Host.IP, a.Host.Port)
}
