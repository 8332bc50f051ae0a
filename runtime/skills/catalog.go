package skills

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogDoc is the on-disk shape of a skill catalog.
type catalogDoc struct {
	Skills []Definition `yaml:"skills"`
}

// LoadCatalog parses a YAML skill catalog of the form:
//
//	skills:
//	  - skill_id: triage
//	    name: Task Triage
//	    executor_type: llm
//	    content: |
//	      ...
//
// Every definition must carry a unique skill_id and an executor_type.
func LoadCatalog(r io.Reader) ([]Definition, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc catalogDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Skills))
	for i, def := range doc.Skills {
		if def.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing skill_id", i)
		}
		if def.ExecutorType == "" {
			return nil, fmt.Errorf("skill %q: missing executor_type", def.ID)
		}
		if _, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("skill %q: duplicate skill_id", def.ID)
		}
		seen[def.ID] = struct{}{}
	}
	return doc.Skills, nil
}

// LoadCatalogFile reads a skill catalog from disk.
func LoadCatalogFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}
