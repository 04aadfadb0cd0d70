package merge

// Line-level three-way merge used on the canonical YAML rendering of entity
// bodies. The implementation is the classic diff3 chunking: lines of base
// matched (via LCS) in both derived versions anchor the walk; everything
// between two anchors is a change region resolved side-by-side.

const (
	conflictStartMarker = "<<<<<<< ours"
	conflictSepMarker   = "======="
	conflictEndMarker   = ">>>>>>> theirs"
)

// diff3Merge merges ours and theirs against base. Regions changed on one
// side only take that side; identical changes collapse; diverging changes
// are emitted between conflict markers for the caller to resolve.
func diff3Merge(base, ours, theirs []string) []string {
	matchOurs := lcsMatches(base, ours)
	matchTheirs := lcsMatches(base, theirs)

	var out []string
	bi, oi, ti := 0, 0, 0

	flushRegion := func(bEnd, oEnd, tEnd int) {
		baseRegion := base[bi:bEnd]
		oursRegion := ours[oi:oEnd]
		theirsRegion := theirs[ti:tEnd]

		switch {
		case linesEqual(oursRegion, theirsRegion):
			out = append(out, oursRegion...)
		case linesEqual(oursRegion, baseRegion):
			out = append(out, theirsRegion...)
		case linesEqual(theirsRegion, baseRegion):
			out = append(out, oursRegion...)
		default:
			if merged, ok := mergePositional(baseRegion, oursRegion, theirsRegion); ok {
				out = append(out, merged...)
				break
			}
			out = append(out, conflictStartMarker)
			out = append(out, oursRegion...)
			out = append(out, conflictSepMarker)
			out = append(out, theirsRegion...)
			out = append(out, conflictEndMarker)
		}
		bi, oi, ti = bEnd, oEnd, tEnd
	}

	for b := 0; b < len(base); b++ {
		o, okO := matchOurs[b]
		t, okT := matchTheirs[b]
		if !okO || !okT || o < oi || t < ti {
			continue
		}
		// base[b] survives on both sides: everything before it is one
		// change region, the line itself is stable.
		flushRegion(b, o, t)
		out = append(out, base[b])
		bi, oi, ti = b+1, o+1, t+1
	}
	flushRegion(len(base), len(ours), len(theirs))

	return out
}

// mergePositional resolves an equal-length change region line by line: a
// line modified on one side only takes that side. This admits the common
// case of edits to adjacent lines, which anchor-based chunking alone would
// report as a conflict.
func mergePositional(base, ours, theirs []string) ([]string, bool) {
	if len(base) != len(ours) || len(base) != len(theirs) {
		return nil, false
	}
	out := make([]string, len(base))
	for i := range base {
		switch {
		case ours[i] == theirs[i]:
			out[i] = ours[i]
		case ours[i] == base[i]:
			out[i] = theirs[i]
		case theirs[i] == base[i]:
			out[i] = ours[i]
		default:
			return nil, false
		}
	}
	return out, true
}

// lcsMatches returns the monotone base→other index mapping of a longest
// common subsequence between the two line slices.
func lcsMatches(a, b []string) map[int]int {
	n, m := len(a), len(b)
	// dp[i][j] = LCS length of a[i:], b[j:]
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	matches := make(map[int]int)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			matches[i] = j
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return matches
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveConflictRegions rewrites any remaining conflict regions in merged
// output, keeping the ours side when oursWin is true and theirs otherwise.
func resolveConflictRegions(lines []string, oursWin bool) []string {
	var out []string
	i := 0
	for i < len(lines) {
		if lines[i] != conflictStartMarker {
			out = append(out, lines[i])
			i++
			continue
		}
		i++ // skip start marker
		var oursRegion, theirsRegion []string
		for i < len(lines) && lines[i] != conflictSepMarker {
			oursRegion = append(oursRegion, lines[i])
			i++
		}
		i++ // skip separator
		for i < len(lines) && lines[i] != conflictEndMarker {
			theirsRegion = append(theirsRegion, lines[i])
			i++
		}
		i++ // skip end marker
		if oursWin {
			out = append(out, oursRegion...)
		} else {
			out = append(out, theirsRegion...)
		}
	}
	return out
}

func hasConflictMarkers(lines []string) bool {
	for _, l := range lines {
		if l == conflictStartMarker {
			return true
		}
	}
	return false
}
