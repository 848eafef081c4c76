package query

import (
	"cmp"
	"slices"
	"strings"
)

// sortMatches orders matches by score (descending), then by attribute name
// (ascending) so equal scores rank deterministically.
func sortMatches(matches []Match) {
	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Record.Attr, b.Record.Attr)
	})
}
