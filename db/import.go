package db

import (
	"fmt"
	"os"

	"github.com/sudocode-ai/sudocode/jsonl"
)

// ImportJSONL materializes the entity cache from the issues and specs JSONL
// files. Entities missing a type tag inherit it from the file they came
// from. Returns the number of imported entities.
func (s *Service) ImportJSONL(issuesPath, specsPath string) (int, error) {
	total := 0
	for _, src := range []struct {
		path string
		typ  jsonl.EntityType
	}{
		{issuesPath, jsonl.TypeIssue},
		{specsPath, jsonl.TypeSpec},
	} {
		entities, err := jsonl.ReadFile(src.path)
		if err != nil {
			return total, fmt.Errorf("importing %s: %w", src.path, err)
		}
		for _, e := range entities {
			if e.Type == "" {
				e.Type = src.typ
			}
			if err := e.Validate(); err != nil {
				s.logger.WithError(err).WithField("file", src.path).
					Warn("Skipping invalid entity during import")
				continue
			}
			if err := s.SaveEntity(e); err != nil {
				return total, err
			}
			total++
		}
	}
	s.logger.WithField("entities", total).Info("Imported JSONL entities")
	return total, nil
}

// ImportIfMissing runs the JSONL import when the database has no cached
// entities but at least one JSONL file exists. Returns whether an import ran.
func (s *Service) ImportIfMissing(issuesPath, specsPath string) (bool, error) {
	n, err := s.CountEntities("")
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if !fileExists(issuesPath) && !fileExists(specsPath) {
		return false, nil
	}
	_, err = s.ImportJSONL(issuesPath, specsPath)
	return err == nil, err
}

// ExportJSONL writes the cached entities back to their JSONL files in
// canonical order.
func (s *Service) ExportJSONL(issuesPath, specsPath string) error {
	issues, err := s.ListEntities(string(jsonl.TypeIssue))
	if err != nil {
		return err
	}
	if err := jsonl.WriteFile(issuesPath, issues); err != nil {
		return fmt.Errorf("exporting issues: %w", err)
	}
	specs, err := s.ListEntities(string(jsonl.TypeSpec))
	if err != nil {
		return err
	}
	if err := jsonl.WriteFile(specsPath, specs); err != nil {
		return fmt.Errorf("exporting specs: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
