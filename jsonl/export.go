package jsonl

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Normalize applies the deterministic export ordering to a single entity:
// relationships sorted by (to_id, to_type, type), tags lexicographically,
// feedback by id. The entity is modified in place.
func Normalize(e *Entity) {
	sort.SliceStable(e.Relationships, func(i, j int) bool {
		a, b := e.Relationships[i], e.Relationships[j]
		if a.ToID != b.ToID {
			return a.ToID < b.ToID
		}
		if a.ToType != b.ToType {
			return a.ToType < b.ToType
		}
		return a.Type < b.Type
	})
	sort.Strings(e.Tags)
	sort.SliceStable(e.Feedback, func(i, j int) bool {
		return e.Feedback[i].ID < e.Feedback[j].ID
	})
}

// SortEntities orders top-level entities by created_at, then id.
func SortEntities(entities []*Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].CreatedAt != entities[j].CreatedAt {
			return entities[i].CreatedAt < entities[j].CreatedAt
		}
		return entities[i].ID < entities[j].ID
	})
}

// Write exports entities to w, one JSON object per line, in the canonical
// order. Given identical input the output is byte-identical.
func Write(w io.Writer, entities []*Entity) error {
	sorted := make([]*Entity, len(entities))
	for i, e := range entities {
		c := e.Clone()
		Normalize(c)
		sorted[i] = c
	}
	SortEntities(sorted)

	bw := bufio.NewWriter(w)
	for _, e := range sorted {
		line, err := e.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshaling entity %s: %w", e.ID, err)
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile exports entities to path atomically (write to temp, rename).
func WriteFile(path string, entities []*Entity) error {
	var buf bytes.Buffer
	if err := Write(&buf, entities); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// Read parses a JSONL stream into entities. Blank lines are skipped;
// a malformed line aborts the read with its line number.
func Read(r io.Reader) ([]*Entity, error) {
	var entities []*Entity
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entity
		if err := e.UnmarshalJSON([]byte(line)); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entities = append(entities, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading jsonl: %w", err)
	}
	return entities, nil
}

// ReadFile parses a JSONL file. A missing file yields an empty slice.
func ReadFile(path string) ([]*Entity, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// ParseLines parses raw JSONL lines (already split, markers stripped) into
// entities, skipping blanks. Used by the merge engine on conflict regions.
func ParseLines(lines []string) ([]*Entity, error) {
	var entities []*Entity
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var e Entity
		if err := e.UnmarshalJSON([]byte(trimmed)); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		entities = append(entities, &e)
	}
	return entities, nil
}
