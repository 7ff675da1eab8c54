package lookup

import (
	"context"
	"fmt"
	"strings"

	"github.com/netsec-ethz/scion-apps/pkg/appnet"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/scionproto/scion/go/lib/snet"
)

// PathLookup wraps the usage of appnet to query paths to a peer
func PathLookup(ctx context.Context, peer string) ([]snet.Path, error) {
	udpAddr, err := appnet.ResolveUDPAddr(peer)
	if err != nil {
		return nil, err
	}
	paths, err := appnet.DefNetwork().PathQuerier.Query(ctx, udpAddr.IA)
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Lookup returns the candidate paths to peer in the transport's representation.
// Peers inside the local AS get a single empty path.
func Lookup(ctx context.Context, peer string) ([]*pathselection.Path, error) {
	paths, err := PathLookup(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("path lookup for %s: %w", peer, err)
	}
	res := make([]*pathselection.Path, 0, len(paths))
	for _, p := range paths {
		res = append(res, pathselection.FromSnet(p))
	}
	return res, nil
}

// PathToString renders the hops of a path for logs
func PathToString(path snet.Path) string {
	md := path.Metadata()
	if md == nil || len(md.Interfaces) == 0 {
		return "local"
	}
	b := &strings.Builder{}
	for i, iface := range md.Interfaces {
		if i > 0 {
			b.WriteString(">")
		}
		fmt.Fprintf(b, "%s#%d", iface.IA, iface.ID)
	}
	return b.String()
}
