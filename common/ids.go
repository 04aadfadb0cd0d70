package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewUUID returns a new random UUID string. Entity UUIDs are stable across
// renames and uniquely identify an entity across its whole history.
func NewUUID() string {
	return uuid.New().String()
}

// HashID derives the human-readable short id for an entity from its UUID.
// The prefix identifies the entity type ("i" for issues, "s" for specs).
// Hash ids are best-effort unique; collisions across UUIDs are tolerated
// and disambiguated by the merge engine.
func HashID(prefix, entityUUID string) string {
	sum := sha256.Sum256([]byte(entityUUID))
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(sum[:])[:6])
}

// NewHashID generates a fresh entity id with a fresh UUID behind it.
// Returns (id, uuid).
func NewHashID(prefix string) (string, string) {
	u := NewUUID()
	return HashID(prefix, u), u
}
