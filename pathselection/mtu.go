package pathselection

import (
	"sort"
)

type byMTU []*Path

func (paths byMTU) Len() int {
	return len(paths)
}

func (paths byMTU) Swap(i, j int) {
	paths[i], paths[j] = paths[j], paths[i]
}

func (paths byMTU) Less(i, j int) bool {
	// switched so that larger MTUs are at index 0
	return paths[i].MTU > paths[j].MTU
}

// SelectLargestMTUs returns the count paths with the largest MTU
func SelectLargestMTUs(count int, paths []*Path) []*Path {
	sorted := clonePaths(paths)
	sort.Stable(byMTU(sorted))
	return SelectPaths(count, sorted)
}
