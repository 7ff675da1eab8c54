package pathselection

import (
	"fmt"
	"strings"
	"time"

	"github.com/scionproto/scion/go/lib/addr"
	"github.com/scionproto/scion/go/lib/snet"
)

// Hop is one interface traversed by a path
type Hop struct {
	IA   addr.IA
	IfID uint64
}

func (h Hop) String() string {
	return fmt.Sprintf("%s#%d", h.IA, h.IfID)
}

// Path is the transport's view of a SCION path. Snet is nil for paths
// that do not come from a path lookup (tests, listener side subflows).
type Path struct {
	Fingerprint string
	Hops        []Hop
	MTU         uint16
	Latency     time.Duration
	Snet        snet.Path
}

// Fingerprint identifies a path by its ordered interface list
func Fingerprint(hops []Hop) string {
	if len(hops) == 0 {
		return "local"
	}
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = h.String()
	}
	return strings.Join(parts, " ")
}

// FromSnet converts a looked up path and sums its hop latencies.
// Unknown latencies (negative values) are skipped.
func FromSnet(p snet.Path) *Path {
	path := &Path{Snet: p}
	md := p.Metadata()
	if md == nil {
		path.Fingerprint = Fingerprint(nil)
		return path
	}
	path.MTU = md.MTU
	for _, iface := range md.Interfaces {
		path.Hops = append(path.Hops, Hop{IA: iface.IA, IfID: uint64(iface.ID)})
	}
	path.Latency = sumupLatencies(md.Latency)
	path.Fingerprint = Fingerprint(path.Hops)
	return path
}

// NewPath builds a Path without an underlying snet path
func NewPath(hops []Hop, mtu uint16, latency time.Duration) *Path {
	return &Path{
		Fingerprint: Fingerprint(hops),
		Hops:        hops,
		MTU:         mtu,
		Latency:     latency,
	}
}

func (p *Path) HopCount() int {
	return len(p.Hops)
}

func (p *Path) String() string {
	return fmt.Sprintf("[%s] latency=%s mtu=%d", p.Fingerprint, p.Latency, p.MTU)
}

func sumupLatencies(latencies []time.Duration) (totalLatency time.Duration) {
	for _, latency := range latencies {
		if latency > 0 {
			totalLatency += latency
		}
	}
	return totalLatency
}
