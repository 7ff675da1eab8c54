package pathselection

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Policy names a path ordering
type Policy string

const (
	PolicyDisjoint Policy = "disjoint"
	PolicyLatency  Policy = "latency"
	PolicyHopCount Policy = "hops"
	PolicyMTU      Policy = "mtu"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case PolicyDisjoint, PolicyLatency, PolicyHopCount, PolicyMTU:
		return p, nil
	case "":
		return PolicyDisjoint, nil
	}
	return "", fmt.Errorf("unknown path selection policy %q", s)
}

// Order returns at most count paths in the preference order of policy.
// count <= 0 keeps all paths.
func Order(policy Policy, count int, paths []*Path) []*Path {
	if count <= 0 {
		count = len(paths)
	}
	var selected []*Path
	switch policy {
	case PolicyLatency:
		selected = SelectLowestLatencies(count, paths)
	case PolicyHopCount:
		selected = SelectShortestPaths(count, paths)
	case PolicyMTU:
		selected = SelectLargestMTUs(count, paths)
	default:
		selected = SelectDisjointPaths(count, paths)
	}
	log.Debugf("[PathSelection] Selected %d of %d paths with policy %s", len(selected), len(paths), policy)
	return selected
}

// SelectPaths returns the first count paths
func SelectPaths(count int, paths []*Path) []*Path {
	if count > len(paths) {
		count = len(paths)
	}
	if count < 0 {
		count = 0
	}
	return paths[:count]
}

func clonePaths(paths []*Path) []*Path {
	res := make([]*Path, len(paths))
	copy(res, paths)
	return res
}
