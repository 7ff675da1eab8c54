package pathselection

import (
	"sort"
)

type byLatency []*Path

func (paths byLatency) Len() int {
	return len(paths)
}

func (paths byLatency) Swap(i, j int) {
	paths[i], paths[j] = paths[j], paths[i]
}

func (paths byLatency) Less(i, j int) bool {
	return paths[i].Latency < paths[j].Latency
}

// SelectLowestLatencies returns the count paths with the lowest total latency
func SelectLowestLatencies(count int, paths []*Path) []*Path {
	sorted := clonePaths(paths)
	sort.Stable(byLatency(sorted))
	return SelectPaths(count, sorted)
}
