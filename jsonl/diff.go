package jsonl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// FieldChange records one field-level difference between two entity versions.
type FieldChange struct {
	Field string      `json:"field"`
	From  interface{} `json:"from,omitempty"`
	To    interface{} `json:"to,omitempty"`
}

// Diff compares two versions of an entity and returns the changed fields in
// field-name order. Extensions are compared byte-wise per key.
func Diff(from, to *Entity) []FieldChange {
	var changes []FieldChange
	add := func(field string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, FieldChange{Field: field, From: a, To: b})
		}
	}

	add("title", from.Title, to.Title)
	add("description", from.Description, to.Description)
	add("content", from.Content, to.Content)
	add("status", from.Status, to.Status)
	add("priority", from.Priority, to.Priority)
	add("assignee", from.Assignee, to.Assignee)
	add("relationships", from.Relationships, to.Relationships)
	add("tags", from.Tags, to.Tags)
	add("archived", from.Archived, to.Archived)
	add("id", from.ID, to.ID)

	keys := make(map[string]bool)
	for k := range from.Extensions {
		keys[k] = true
	}
	for k := range to.Extensions {
		keys[k] = true
	}
	extKeys := make([]string, 0, len(keys))
	for k := range keys {
		extKeys = append(extKeys, k)
	}
	sort.Strings(extKeys)
	for _, k := range extKeys {
		a, b := from.Extensions[k], to.Extensions[k]
		if !bytes.Equal(a, b) {
			changes = append(changes, FieldChange{
				Field: fmt.Sprintf("extensions.%s", k),
				From:  rawToValue(a),
				To:    rawToValue(b),
			})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func rawToValue(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
