// Package merge implements deterministic conflict resolution for the
// append-only JSONL entity logs. Two entry points exist: ResolveEntities
// flattens the two sides of a git conflict region (two-way), and
// MergeThreeWay merges base/ours/theirs exports (three-way). Both are pure
// functions of their inputs.
package merge

import (
	"encoding/json"
	"fmt"

	"github.com/sudocode-ai/sudocode/jsonl"
)

// Rename records an id rewrite performed during resolution.
type Rename struct {
	UUID  string `json:"uuid"`
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
	// Reason is either "uuid-conflict" (same uuid carried different ids)
	// or "id-collision" (different uuids collided on one id).
	Reason string `json:"reason"`
}

// Result is the outcome of a merge resolution.
type Result struct {
	Entities []*jsonl.Entity `json:"entities"`
	Renames  []Rename        `json:"renames,omitempty"`
}

// ResolveEntities resolves a flat list of entities (the concatenation of
// both sides of a conflict region, markers already stripped) into a single
// consistent list:
//
//  1. Versions sharing uuid and id collapse to the newest by updated_at
//     with metadata merged across all versions.
//  2. Versions sharing uuid but carrying different ids all survive; the
//     newest keeps its id, older ones are renamed <id>-conflict-<uuid[0:8]>.
//  3. Ids colliding across different uuids are suffixed .1, .2, … in
//     arrival order (the first keeps the id).
//  4. The final list is sorted by created_at, then id.
func ResolveEntities(input []*jsonl.Entity) *Result {
	res := &Result{}

	// Group by uuid preserving first-appearance order.
	var order []string
	groups := make(map[string][]*jsonl.Entity)
	for _, e := range input {
		if _, seen := groups[e.UUID]; !seen {
			order = append(order, e.UUID)
		}
		groups[e.UUID] = append(groups[e.UUID], e)
	}

	var resolved []*jsonl.Entity
	for _, uid := range order {
		group := groups[uid]
		resolved = append(resolved, resolveGroup(group, res)...)
	}

	resolved = renameIDCollisions(resolved, res)
	jsonl.SortEntities(resolved)
	res.Entities = resolved
	return res
}

// resolveGroup collapses all versions of one uuid.
func resolveGroup(group []*jsonl.Entity, res *Result) []*jsonl.Entity {
	if len(group) == 1 {
		return []*jsonl.Entity{group[0].Clone()}
	}

	// Sub-group by id, preserving arrival order.
	var idOrder []string
	byID := make(map[string][]*jsonl.Entity)
	for _, e := range group {
		if _, seen := byID[e.ID]; !seen {
			idOrder = append(idOrder, e.ID)
		}
		byID[e.ID] = append(byID[e.ID], e)
	}

	if len(idOrder) == 1 {
		// Same uuid, same id: newest wins, metadata merged across versions.
		return []*jsonl.Entity{mergeVersions(group)}
	}

	// Same uuid, different ids: collapse each id lineage, keep the overall
	// newest untouched and rename the rest.
	collapsed := make([]*jsonl.Entity, 0, len(idOrder))
	for _, id := range idOrder {
		collapsed = append(collapsed, mergeVersions(byID[id]))
	}
	newest := collapsed[0]
	for _, e := range collapsed[1:] {
		if e.NewerThan(newest) {
			newest = e
		}
	}
	out := make([]*jsonl.Entity, 0, len(collapsed))
	for _, e := range collapsed {
		if e != newest {
			oldID := e.ID
			e.ID = fmt.Sprintf("%s-conflict-%s", oldID, shortUUID(e.UUID))
			res.Renames = append(res.Renames, Rename{
				UUID:   e.UUID,
				OldID:  oldID,
				NewID:  e.ID,
				Reason: "uuid-conflict",
			})
		}
		out = append(out, e)
	}
	return out
}

// mergeVersions picks the newest version of a same-uuid same-id group and
// unions metadata from every version into it.
func mergeVersions(versions []*jsonl.Entity) *jsonl.Entity {
	newest := versions[0]
	for _, v := range versions[1:] {
		if v.NewerThan(newest) {
			newest = v
		}
	}
	merged := newest.Clone()
	for _, v := range versions {
		if v == newest {
			continue
		}
		unionMetadata(merged, v)
	}
	return merged
}

// unionMetadata folds other's relationships, tags and feedback into dst.
// Relationships union by structural equality, tags by value, feedback by id.
// All other fields keep dst's values (dst is the most recent version).
func unionMetadata(dst, other *jsonl.Entity) {
	for _, rel := range other.Relationships {
		if !containsRelationship(dst.Relationships, rel) {
			dst.Relationships = append(dst.Relationships, rel)
		}
	}
	for _, tag := range other.Tags {
		if !containsString(dst.Tags, tag) {
			dst.Tags = append(dst.Tags, tag)
		}
	}
	for _, fb := range other.Feedback {
		if !containsFeedbackID(dst.Feedback, fb.ID) {
			dst.Feedback = append(dst.Feedback, fb)
		}
	}
	for k, v := range other.Extensions {
		if _, exists := dst.Extensions[k]; !exists {
			if dst.Extensions == nil {
				dst.Extensions = make(map[string]json.RawMessage)
			}
			dst.Extensions[k] = v
		}
	}
}

// renameIDCollisions suffixes ids colliding across different uuids with
// .1, .2, … in arrival order; the first occurrence keeps the id.
func renameIDCollisions(entities []*jsonl.Entity, res *Result) []*jsonl.Entity {
	seen := make(map[string]int)
	for _, e := range entities {
		n, collided := seen[e.ID]
		if !collided {
			seen[e.ID] = 0
			continue
		}
		seen[e.ID] = n + 1
		oldID := e.ID
		e.ID = fmt.Sprintf("%s.%d", oldID, n+1)
		res.Renames = append(res.Renames, Rename{
			UUID:   e.UUID,
			OldID:  oldID,
			NewID:  e.ID,
			Reason: "id-collision",
		})
		// The new id participates in further collision checks too.
		if _, taken := seen[e.ID]; !taken {
			seen[e.ID] = 0
		}
	}
	return entities
}

func shortUUID(u string) string {
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

func containsRelationship(rels []jsonl.Relationship, r jsonl.Relationship) bool {
	for _, existing := range rels {
		if existing == r {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFeedbackID(list []jsonl.Feedback, id string) bool {
	for _, f := range list {
		if f.ID == id {
			return true
		}
	}
	return false
}
