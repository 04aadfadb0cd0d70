package merge

import (
	"strings"

	"github.com/sudocode-ai/sudocode/jsonl"
)

// MergeThreeWay merges two derived entity lists against their common base.
// Per-uuid policy:
//
//   - deleted on both sides: dropped;
//   - deleted on one side, modified on the other: the modification wins;
//   - deleted on one side, untouched on the other: the deletion wins;
//   - added on one side: taken;
//   - added on both sides (no base): two-way resolution of the two;
//   - modified on both sides: metadata is unioned, then base/ours/theirs are
//     rendered to canonical YAML and merged line-by-line; any conflicting
//     region is resolved latest-wins by updated_at.
//
// The id-collision rename pass and final sort match ResolveEntities, and the
// result is byte-deterministic for a given (base, ours, theirs).
func MergeThreeWay(base, ours, theirs []*jsonl.Entity) *Result {
	res := &Result{}

	baseBy := indexByUUID(base)
	oursBy := indexByUUID(ours)
	theirsBy := indexByUUID(theirs)

	// Walk uuids in a stable order: base first, then ours-only additions,
	// then theirs-only additions, each in input order.
	var order []string
	seen := make(map[string]bool)
	appendOrder := func(list []*jsonl.Entity) {
		for _, e := range list {
			if !seen[e.UUID] {
				seen[e.UUID] = true
				order = append(order, e.UUID)
			}
		}
	}
	appendOrder(base)
	appendOrder(ours)
	appendOrder(theirs)

	var merged []*jsonl.Entity
	for _, uid := range order {
		b, inBase := baseBy[uid]
		o, inOurs := oursBy[uid]
		t, inTheirs := theirsBy[uid]

		switch {
		case !inBase && inOurs && inTheirs:
			// Added on both sides independently.
			sub := ResolveEntities([]*jsonl.Entity{o, t})
			merged = append(merged, sub.Entities...)
			res.Renames = append(res.Renames, sub.Renames...)

		case !inBase && inOurs:
			merged = append(merged, o.Clone())

		case !inBase && inTheirs:
			merged = append(merged, t.Clone())

		case inBase && !inOurs && !inTheirs:
			// Deleted on both.

		case inBase && !inOurs:
			// Deleted in ours; keep theirs only if theirs modified it.
			if modified(b, t) {
				merged = append(merged, t.Clone())
			}

		case inBase && !inTheirs:
			if modified(b, o) {
				merged = append(merged, o.Clone())
			}

		default:
			merged = append(merged, mergeModified(b, o, t)...)
		}
	}

	merged = renameIDCollisions(merged, res)
	jsonl.SortEntities(merged)
	res.Entities = merged
	return res
}

// mergeModified handles a uuid present in all three lists.
func mergeModified(base, ours, theirs *jsonl.Entity) []*jsonl.Entity {
	oursChanged := modified(base, ours)
	theirsChanged := modified(base, theirs)

	switch {
	case !oursChanged && !theirsChanged:
		return []*jsonl.Entity{ours.Clone()}
	case oursChanged && !theirsChanged:
		return []*jsonl.Entity{ours.Clone()}
	case !oursChanged && theirsChanged:
		return []*jsonl.Entity{theirs.Clone()}
	}

	// Modified on both. Union metadata into both sides first so identical
	// metadata never produces line conflicts, then merge the bodies.
	oursU := ours.Clone()
	unionMetadata(oursU, theirs)
	jsonl.Normalize(oursU)
	theirsU := theirs.Clone()
	unionMetadata(theirsU, ours)
	jsonl.Normalize(theirsU)
	baseN := base.Clone()
	jsonl.Normalize(baseN)

	out, err := mergeBodies(baseN, oursU, theirsU)
	if err != nil {
		// YAML trouble: fall back to two-way resolution of the two sides.
		sub := ResolveEntities([]*jsonl.Entity{ours, theirs})
		return sub.Entities
	}

	// The merged record is as new as the newer of the two sides.
	if theirs.NewerThan(ours) {
		out.UpdatedAt = theirs.UpdatedAt
	} else {
		out.UpdatedAt = ours.UpdatedAt
	}
	return []*jsonl.Entity{out}
}

// mergeBodies performs the canonical-YAML line merge of a doubly-modified
// entity. Conflicting regions are resolved latest-wins by updated_at.
func mergeBodies(base, ours, theirs *jsonl.Entity) (*jsonl.Entity, error) {
	baseY, err := entityToYAML(base)
	if err != nil {
		return nil, err
	}
	oursY, err := entityToYAML(ours)
	if err != nil {
		return nil, err
	}
	theirsY, err := entityToYAML(theirs)
	if err != nil {
		return nil, err
	}

	mergedLines := diff3Merge(
		splitLines(baseY), splitLines(oursY), splitLines(theirsY))
	if hasConflictMarkers(mergedLines) {
		oursWin := !theirs.NewerThan(ours)
		mergedLines = resolveConflictRegions(mergedLines, oursWin)
	}

	return yamlToEntity(strings.Join(mergedLines, "\n") + "\n")
}

// modified reports whether derived differs from base in any way that
// matters for merging (id changes included, uuid excluded by construction).
func modified(base, derived *jsonl.Entity) bool {
	if base.UpdatedAt != derived.UpdatedAt || base.ID != derived.ID {
		return true
	}
	return len(jsonl.Diff(base, derived)) > 0
}

func indexByUUID(list []*jsonl.Entity) map[string]*jsonl.Entity {
	m := make(map[string]*jsonl.Entity, len(list))
	for _, e := range list {
		// Later occurrences of the same uuid within one side collapse to
		// the newest before cross-side merging.
		if existing, ok := m[e.UUID]; !ok || e.NewerThan(existing) {
			m[e.UUID] = e
		}
	}
	return m
}

func splitLines(text string) []string {
	trimmed := strings.TrimSuffix(text, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}
