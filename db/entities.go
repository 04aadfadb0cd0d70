package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/sudocode-ai/sudocode/jsonl"
)

// SaveEntity caches one JSONL entity, replacing any previous version.
func (s *Service) SaveEntity(e *jsonl.Entity) error {
	raw, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling entity %s: %w", e.ID, err)
	}
	rec := EntityRecord{
		UUID:      e.UUID,
		EntityID:  e.ID,
		Type:      string(e.Type),
		Title:     e.Title,
		Status:    e.Status,
		Priority:  e.Priority,
		Archived:  e.Archived,
		Raw:       string(raw),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("saving entity %s: %w", e.ID, err)
	}
	return nil
}

// GetEntityByID fetches a cached entity by its human-readable id; returns
// nil when absent.
func (s *Service) GetEntityByID(entityType, id string) (*jsonl.Entity, error) {
	var rec EntityRecord
	q := s.db.Where("entity_id = ?", id)
	if entityType != "" {
		q = q.Where("type = ?", entityType)
	}
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entity %s: %w", id, err)
	}
	return recordToEntity(&rec)
}

// GetEntityByUUID fetches a cached entity by UUID; returns nil when absent.
func (s *Service) GetEntityByUUID(uuid string) (*jsonl.Entity, error) {
	var rec EntityRecord
	err := s.db.First(&rec, "uuid = ?", uuid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entity %s: %w", uuid, err)
	}
	return recordToEntity(&rec)
}

// ListEntities returns cached entities of a type in canonical order.
func (s *Service) ListEntities(entityType string) ([]*jsonl.Entity, error) {
	var recs []EntityRecord
	q := s.db.Order("created_at ASC, entity_id ASC")
	if entityType != "" {
		q = q.Where("type = ?", entityType)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	out := make([]*jsonl.Entity, 0, len(recs))
	for i := range recs {
		e, err := recordToEntity(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEntity removes a cached entity by UUID.
func (s *Service) DeleteEntity(uuid string) error {
	return s.db.Delete(&EntityRecord{}, "uuid = ?", uuid).Error
}

// CountEntities counts cached entities of a type.
func (s *Service) CountEntities(entityType string) (int64, error) {
	var n int64
	q := s.db.Model(&EntityRecord{})
	if entityType != "" {
		q = q.Where("type = ?", entityType)
	}
	err := q.Count(&n).Error
	return n, err
}

func recordToEntity(rec *EntityRecord) (*jsonl.Entity, error) {
	var e jsonl.Entity
	if err := e.UnmarshalJSON([]byte(rec.Raw)); err != nil {
		return nil, fmt.Errorf("decoding cached entity %s: %w", rec.UUID, err)
	}
	return &e, nil
}
