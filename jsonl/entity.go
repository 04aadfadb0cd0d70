// Package jsonl implements the append-sorted JSONL persistence model for
// issues and specs. Entities are keyed by UUID (stable across renames) and
// carry a human-readable hash id that is best-effort unique; unknown fields
// round-trip opaquely through the Extensions map so foreign writers are
// never corrupted by a read-modify-write cycle.
package jsonl

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType tags the two persisted entity families.
type EntityType string

const (
	TypeIssue EntityType = "issue"
	TypeSpec  EntityType = "spec"
)

// Relationship links one entity to another.
type Relationship struct {
	Type   string `json:"type"`
	ToID   string `json:"to_id"`
	ToType string `json:"to_type,omitempty"`
}

// Relationship types understood by the workflow builder. Anything else is
// preserved but not interpreted.
const (
	RelDependsOn  = "depends_on"
	RelBlocks     = "blocks"
	RelParent     = "parent"
	RelImplements = "implements"
)

// Feedback is a single feedback record attached to an entity.
type Feedback struct {
	ID        string `json:"id"`
	Author    string `json:"author,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Entity is one line of issues.jsonl / specs.jsonl. Required fields are
// UUID, ID, CreatedAt and UpdatedAt; everything else is optional.
// Timestamps are stored as RFC3339 strings so identical input bytes produce
// identical output bytes.
type Entity struct {
	UUID          string
	ID            string
	Type          EntityType
	Title         string
	Description   string
	Content       string
	Status        string
	Priority      string
	Assignee      string
	Relationships []Relationship
	Tags          []string
	Feedback      []Feedback
	Archived      bool
	CreatedAt     string
	UpdatedAt     string

	// Extensions holds every field this version of the code does not
	// understand, preserved verbatim for round-tripping.
	Extensions map[string]json.RawMessage
}

// knownKeys are the top-level JSON keys mapped onto Entity fields; anything
// else lands in Extensions.
var knownKeys = map[string]bool{
	"uuid": true, "id": true, "type": true, "title": true,
	"description": true, "content": true, "status": true, "priority": true,
	"assignee": true, "relationships": true, "tags": true, "feedback": true,
	"archived": true, "created_at": true, "updated_at": true,
}

// UnmarshalJSON decodes an entity, diverting unknown fields to Extensions.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	get := func(key string, dst interface{}) error {
		if v, ok := raw[key]; ok {
			return json.Unmarshal(v, dst)
		}
		return nil
	}

	var typ string
	if err := get("uuid", &e.UUID); err != nil {
		return fmt.Errorf("field uuid: %w", err)
	}
	if err := get("id", &e.ID); err != nil {
		return fmt.Errorf("field id: %w", err)
	}
	if err := get("type", &typ); err != nil {
		return fmt.Errorf("field type: %w", err)
	}
	e.Type = EntityType(typ)
	if err := get("title", &e.Title); err != nil {
		return fmt.Errorf("field title: %w", err)
	}
	if err := get("description", &e.Description); err != nil {
		return fmt.Errorf("field description: %w", err)
	}
	if err := get("content", &e.Content); err != nil {
		return fmt.Errorf("field content: %w", err)
	}
	if err := get("status", &e.Status); err != nil {
		return fmt.Errorf("field status: %w", err)
	}
	if err := get("priority", &e.Priority); err != nil {
		return fmt.Errorf("field priority: %w", err)
	}
	if err := get("assignee", &e.Assignee); err != nil {
		return fmt.Errorf("field assignee: %w", err)
	}
	if err := get("relationships", &e.Relationships); err != nil {
		return fmt.Errorf("field relationships: %w", err)
	}
	if err := get("tags", &e.Tags); err != nil {
		return fmt.Errorf("field tags: %w", err)
	}
	if err := get("feedback", &e.Feedback); err != nil {
		return fmt.Errorf("field feedback: %w", err)
	}
	if err := get("archived", &e.Archived); err != nil {
		return fmt.Errorf("field archived: %w", err)
	}
	if err := get("created_at", &e.CreatedAt); err != nil {
		return fmt.Errorf("field created_at: %w", err)
	}
	if err := get("updated_at", &e.UpdatedAt); err != nil {
		return fmt.Errorf("field updated_at: %w", err)
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if e.Extensions == nil {
			e.Extensions = make(map[string]json.RawMessage)
		}
		e.Extensions[k] = v
	}
	return nil
}

// MarshalJSON encodes an entity. Encoding goes through a map so keys are
// emitted in sorted order, which keeps export byte-deterministic.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(knownKeys)+len(e.Extensions))
	out["uuid"] = e.UUID
	out["id"] = e.ID
	if e.Type != "" {
		out["type"] = e.Type
	}
	if e.Title != "" {
		out["title"] = e.Title
	}
	if e.Description != "" {
		out["description"] = e.Description
	}
	if e.Content != "" {
		out["content"] = e.Content
	}
	if e.Status != "" {
		out["status"] = e.Status
	}
	if e.Priority != "" {
		out["priority"] = e.Priority
	}
	if e.Assignee != "" {
		out["assignee"] = e.Assignee
	}
	if len(e.Relationships) > 0 {
		out["relationships"] = e.Relationships
	}
	if len(e.Tags) > 0 {
		out["tags"] = e.Tags
	}
	if len(e.Feedback) > 0 {
		out["feedback"] = e.Feedback
	}
	if e.Archived {
		out["archived"] = true
	}
	out["created_at"] = e.CreatedAt
	out["updated_at"] = e.UpdatedAt
	for k, v := range e.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

// Validate checks the required fields.
func (e *Entity) Validate() error {
	if e.UUID == "" {
		return fmt.Errorf("entity is missing uuid")
	}
	if e.ID == "" {
		return fmt.Errorf("entity %s is missing id", e.UUID)
	}
	if e.CreatedAt == "" {
		return fmt.Errorf("entity %s is missing created_at", e.ID)
	}
	if e.UpdatedAt == "" {
		return fmt.Errorf("entity %s is missing updated_at", e.ID)
	}
	return nil
}

// UpdatedTime parses UpdatedAt, falling back to the zero time on malformed
// input so comparisons degrade to lexicographic order on the raw strings.
func (e *Entity) UpdatedTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewerThan reports whether e was updated after other. Ties and unparsable
// timestamps fall back to comparing the raw strings.
func (e *Entity) NewerThan(other *Entity) bool {
	a, b := e.UpdatedTime(), other.UpdatedTime()
	if !a.IsZero() && !b.IsZero() && !a.Equal(b) {
		return a.After(b)
	}
	return e.UpdatedAt > other.UpdatedAt
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Relationships = append([]Relationship(nil), e.Relationships...)
	out.Tags = append([]string(nil), e.Tags...)
	out.Feedback = append([]Feedback(nil), e.Feedback...)
	if e.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(e.Extensions))
		for k, v := range e.Extensions {
			out.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}
