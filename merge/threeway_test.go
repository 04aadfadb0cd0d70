package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/jsonl"
)

func TestMergeThreeWay_BothModifiedDifferentLines(t *testing.T) {
	// Base content has three lines; ours edits line 2, theirs edits line 3.
	base := entity("u-e5", "i-1", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", func(e *jsonl.Entity) {
		e.Content = "a\nb\nc"
	})
	ours := entity("u-e5", "i-1", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", func(e *jsonl.Entity) {
		e.Content = "a\nB-ours\nc"
	})
	theirs := entity("u-e5", "i-1", "2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z", func(e *jsonl.Entity) {
		e.Content = "a\nb\nC-theirs"
	})

	res := MergeThreeWay(
		[]*jsonl.Entity{base}, []*jsonl.Entity{ours}, []*jsonl.Entity{theirs})
	require.Len(t, res.Entities, 1)

	got := res.Entities[0]
	assert.Equal(t, "u-e5", got.UUID)
	assert.Equal(t, "i-1", got.ID)
	assert.Contains(t, got.Content, "B-ours")
	assert.Contains(t, got.Content, "C-theirs")
	assert.Equal(t, "2024-01-03T00:00:00Z", got.UpdatedAt)
}

func TestMergeThreeWay_ConflictingLineLatestWins(t *testing.T) {
	base := entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", func(e *jsonl.Entity) {
		e.Title = "base"
	})
	ours := entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", func(e *jsonl.Entity) {
		e.Title = "ours"
	})
	theirs := entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-04T00:00:00Z", func(e *jsonl.Entity) {
		e.Title = "theirs"
	})

	res := MergeThreeWay(
		[]*jsonl.Entity{base}, []*jsonl.Entity{ours}, []*jsonl.Entity{theirs})
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "theirs", res.Entities[0].Title)
	assert.Equal(t, "2024-01-04T00:00:00Z", res.Entities[0].UpdatedAt)
}

func TestMergeThreeWay_DeletionPolicy(t *testing.T) {
	deleted := entity("u-del", "i-del", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z")
	modified := entity("u-mod", "i-mod", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z")
	modifiedTheirs := entity("u-mod", "i-mod", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", func(e *jsonl.Entity) {
		e.Title = "still here"
	})
	untouched := entity("u-un", "i-un", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z")

	base := []*jsonl.Entity{deleted, modified, untouched}
	// ours deletes all three
	ours := []*jsonl.Entity{}
	// theirs keeps deleted unchanged is impossible (it deleted too), keeps
	// modified with changes, keeps untouched unchanged.
	theirs := []*jsonl.Entity{modifiedTheirs, untouched.Clone()}

	res := MergeThreeWay(base, ours, theirs)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "u-mod", res.Entities[0].UUID)
	assert.Equal(t, "still here", res.Entities[0].Title)
}

func TestMergeThreeWay_AddedOnOneSide(t *testing.T) {
	added := entity("u-new", "i-new", "2024-01-05T00:00:00Z", "2024-01-05T00:00:00Z")
	res := MergeThreeWay(nil, []*jsonl.Entity{added}, nil)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "i-new", res.Entities[0].ID)
}

func TestMergeThreeWay_AddedOnBothSidesFallsBackToResolve(t *testing.T) {
	oursAdd := entity("u-both", "i-both", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", func(e *jsonl.Entity) {
		e.Tags = []string{"ours"}
	})
	theirsAdd := entity("u-both", "i-both", "2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z", func(e *jsonl.Entity) {
		e.Tags = []string{"theirs"}
	})

	res := MergeThreeWay(nil, []*jsonl.Entity{oursAdd}, []*jsonl.Entity{theirsAdd})
	require.Len(t, res.Entities, 1)
	assert.ElementsMatch(t, []string{"ours", "theirs"}, res.Entities[0].Tags)
	assert.Equal(t, "2024-01-03T00:00:00Z", res.Entities[0].UpdatedAt)
}

func TestMergeThreeWay_MetadataUnionOnBothModified(t *testing.T) {
	base := entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z")
	ours := entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", func(e *jsonl.Entity) {
		e.Tags = []string{"alpha"}
		e.Relationships = []jsonl.Relationship{{Type: "blocks", ToID: "i-2"}}
	})
	theirs := entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z", func(e *jsonl.Entity) {
		e.Tags = []string{"beta"}
		e.Feedback = []jsonl.Feedback{{ID: "f1"}}
	})

	res := MergeThreeWay(
		[]*jsonl.Entity{base}, []*jsonl.Entity{ours}, []*jsonl.Entity{theirs})
	require.Len(t, res.Entities, 1)
	got := res.Entities[0]
	assert.ElementsMatch(t, []string{"alpha", "beta"}, got.Tags)
	require.Len(t, got.Relationships, 1)
	assert.Equal(t, "i-2", got.Relationships[0].ToID)
	require.Len(t, got.Feedback, 1)
}

func TestMergeThreeWay_Deterministic(t *testing.T) {
	base := []*jsonl.Entity{
		entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", func(e *jsonl.Entity) {
			e.Content = "one\ntwo\nthree"
		}),
	}
	ours := []*jsonl.Entity{
		entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", func(e *jsonl.Entity) {
			e.Content = "ONE\ntwo\nthree"
		}),
		entity("u2", "i-2", "2024-01-02T00:00:00Z", "2024-01-02T00:00:00Z"),
	}
	theirs := []*jsonl.Entity{
		entity("u1", "i-1", "2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z", func(e *jsonl.Entity) {
			e.Content = "one\ntwo\nTHREE"
		}),
		entity("u3", "i-2", "2024-01-03T00:00:00Z", "2024-01-03T00:00:00Z"),
	}

	first, err := json.Marshal(MergeThreeWay(cloneAll(base), cloneAll(ours), cloneAll(theirs)))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(MergeThreeWay(cloneAll(base), cloneAll(ours), cloneAll(theirs)))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestDiff3Merge_NonOverlappingEdits(t *testing.T) {
	base := []string{"a", "b", "c"}
	ours := []string{"a", "B", "c"}
	theirs := []string{"a", "b", "C"}
	merged := diff3Merge(base, ours, theirs)
	assert.Equal(t, []string{"a", "B", "C"}, merged)
	assert.False(t, hasConflictMarkers(merged))
}

func TestDiff3Merge_ConflictMarkers(t *testing.T) {
	base := []string{"x"}
	ours := []string{"ours-x"}
	theirs := []string{"theirs-x"}
	merged := diff3Merge(base, ours, theirs)
	assert.True(t, hasConflictMarkers(merged))

	resolved := resolveConflictRegions(merged, false)
	assert.Equal(t, []string{"theirs-x"}, resolved)
}
