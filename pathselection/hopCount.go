package pathselection

import (
	"sort"
)

type byHopCount []*Path

func (paths byHopCount) Len() int {
	return len(paths)
}

func (paths byHopCount) Swap(i, j int) {
	paths[i], paths[j] = paths[j], paths[i]
}

func (paths byHopCount) Less(i, j int) bool {
	return paths[i].HopCount() < paths[j].HopCount()
}

// SelectShortestPaths returns the count paths with the fewest hops
func SelectShortestPaths(count int, paths []*Path) []*Path {
	sorted := clonePaths(paths)
	sort.Stable(byHopCount(sorted))
	return SelectPaths(count, sorted)
}
