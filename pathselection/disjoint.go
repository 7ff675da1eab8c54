package pathselection

import (
	"sort"
)

// numPathsConflict counts interfaces two paths share. The first and the
// last interface are shared by every path between the same ASes and are ignored.
func numPathsConflict(path1, path2 *Path) int {
	conflicts := 0
	for i, h1 := range path1.Hops {
		for j, h2 := range path2.Hops {
			if i == 0 && j == 0 {
				continue
			}
			if i == len(path1.Hops)-1 && j == len(path2.Hops)-1 {
				continue
			}
			if h1.IA.Equal(h2.IA) && h1.IfID == h2.IfID {
				conflicts++
			}
		}
	}
	return conflicts
}

type conflictEntry struct {
	path         *Path
	numConflicts int
}

// SelectDisjointPaths greedily picks paths that share as few interfaces as
// possible with the paths picked before them, preferring short paths on ties
func SelectDisjointPaths(count int, paths []*Path) []*Path {
	remaining := make([]conflictEntry, 0, len(paths))
	for _, p := range clonePaths(paths) {
		remaining = append(remaining, conflictEntry{path: p})
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].path.HopCount() < remaining[j].path.HopCount()
	})

	selected := make([]*Path, 0, len(paths))
	for len(remaining) > 0 {
		sort.SliceStable(remaining, func(i, j int) bool {
			return remaining[i].numConflicts < remaining[j].numConflicts
		})
		next := remaining[0].path
		selected = append(selected, next)
		remaining = remaining[1:]
		for i := range remaining {
			remaining[i].numConflicts += numPathsConflict(next, remaining[i].path)
		}
	}
	return SelectPaths(count, selected)
}
