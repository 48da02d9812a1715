package model

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Query is one natural-language prompt dispatched to every configured
// provider. Queries are generated upstream and consumed read-only here.
type Query struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text"`
	Category string `json:"category" yaml:"category"`
	Priority int    `json:"priority" yaml:"priority"`
}

// QuerySet is a named collection of queries plus the category descriptors
// that parameterize extraction prompts.
type QuerySet struct {
	Queries    []Query             `yaml:"queries"`
	Categories []CategoryDescriptor `yaml:"categories"`
}

// CategoryDescriptor carries the fixed strategic-focus text for one
// classification label, consumed verbatim by the extraction prompts.
type CategoryDescriptor struct {
	Label          string `json:"label" yaml:"label"`
	StrategicFocus string `json:"strategic_focus" yaml:"strategic_focus"`
}

// LoadQuerySet reads a query set from a YAML file. Queries without an ID or
// category are rejected so downstream natural keys stay well-formed.
func LoadQuerySet(path string) (*QuerySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read query set %s", path)
	}

	var qs QuerySet
	if err := yaml.Unmarshal(data, &qs); err != nil {
		return nil, eris.Wrapf(err, "model: parse query set %s", path)
	}

	for i, q := range qs.Queries {
		if q.ID == "" {
			return nil, eris.Errorf("model: query %d has no id", i)
		}
		if q.Category == "" {
			return nil, eris.Errorf("model: query %s has no category", q.ID)
		}
	}

	return &qs, nil
}

// FocusFor returns the strategic-focus descriptor for a category label,
// or an empty string if none is configured.
func (qs *QuerySet) FocusFor(label string) string {
	for _, c := range qs.Categories {
		if c.Label == label {
			return c.StrategicFocus
		}
	}
	return ""
}

// CategoryLabels returns the distinct category labels present in the query
// set, sorted for deterministic iteration.
func (qs *QuerySet) CategoryLabels() []string {
	seen := make(map[string]bool)
	var labels []string
	for _, q := range qs.Queries {
		if !seen[q.Category] {
			seen[q.Category] = true
			labels = append(labels, q.Category)
		}
	}
	sort.Strings(labels)
	return labels
}
