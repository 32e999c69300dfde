// Package catalog holds the content catalog snapshot the recommender chooses
// from. Items are immutable and owned by the external catalog; the service
// only reads them.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// #region types

// ContentItem is a single recommendable unit. Concept ids index the
// student's knowledge vector.
type ContentItem struct {
	ContentID            string  `yaml:"content_id" json:"content_id"`
	Difficulty           float64 `yaml:"difficulty" json:"difficulty"`
	ConceptIDs           []int   `yaml:"concept_ids" json:"concept_ids"`
	PrerequisiteConcepts []int   `yaml:"prerequisite_concepts" json:"prerequisite_concepts"`
}

// Snapshot is a point-in-time view of the catalog passed with each request.
type Snapshot struct {
	Items []ContentItem `yaml:"items" json:"items"`

	index map[string]int
}

// #endregion types

// #region construct

// NewSnapshot validates items against a knowledge vector of size concepts
// and indexes them by content id.
func NewSnapshot(items []ContentItem, concepts int) (*Snapshot, error) {
	s := &Snapshot{Items: items}
	if err := s.build(concepts); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile reads a YAML catalog file.
func LoadFile(path string, concepts int) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := s.build(concepts); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &s, nil
}

func (s *Snapshot) build(concepts int) error {
	s.index = make(map[string]int, len(s.Items))
	for i, it := range s.Items {
		if it.ContentID == "" {
			return fmt.Errorf("item %d: empty content_id", i)
		}
		if _, dup := s.index[it.ContentID]; dup {
			return fmt.Errorf("duplicate content_id %q", it.ContentID)
		}
		if it.Difficulty < 0 || it.Difficulty > 1 {
			return fmt.Errorf("item %q: difficulty %.3f outside [0,1]", it.ContentID, it.Difficulty)
		}
		for _, c := range append(append([]int(nil), it.ConceptIDs...), it.PrerequisiteConcepts...) {
			if c < 0 || c >= concepts {
				return fmt.Errorf("item %q: concept %d outside catalog of %d", it.ContentID, c, concepts)
			}
		}
		s.index[it.ContentID] = i
	}
	return nil
}

// #endregion construct

// #region lookup

// Lookup returns the item with the given id.
func (s *Snapshot) Lookup(id string) (ContentItem, bool) {
	if s == nil {
		return ContentItem{}, false
	}
	if s.index == nil {
		for _, it := range s.Items {
			if it.ContentID == id {
				return it, true
			}
		}
		return ContentItem{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return ContentItem{}, false
	}
	return s.Items[i], true
}

// IDs returns every content id in catalog order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Items))
	for i, it := range s.Items {
		out[i] = it.ContentID
	}
	return out
}

// ByDifficulty returns a copy of the items ordered by difficulty, then
// content id.
func (s *Snapshot) ByDifficulty() []ContentItem {
	if s == nil {
		return nil
	}
	out := append([]ContentItem(nil), s.Items...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Difficulty != out[j].Difficulty {
			return out[i].Difficulty < out[j].Difficulty
		}
		return out[i].ContentID < out[j].ContentID
	})
	return out
}

// Len returns the number of items.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Items)
}

// #endregion lookup
