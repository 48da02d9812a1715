// Package batcher groups response analyses into fixed-size batches per
// category for insight extraction.
package batcher

import (
	"sort"

	"github.com/sells-group/geoinsight/internal/model"
)

// DefaultBatchSize is the number of analyses per extraction batch.
const DefaultBatchSize = 8

// Batch splits analyses by category into batches of at most size items.
// Membership is deterministic: analyses are ordered by response creation
// time with the (query_id, provider) key as tiebreaker, so equal inputs
// always produce identical batches. The last batch in a category may be
// short.
func Batch(analyses []model.ResponseAnalysis, size int) []model.Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}

	byCategory := make(map[string][]model.ResponseAnalysis)
	for _, a := range analyses {
		byCategory[a.Category] = append(byCategory[a.Category], a)
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var batches []model.Batch
	for _, category := range categories {
		group := byCategory[category]
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].ResponseCreatedAt.Equal(group[j].ResponseCreatedAt) {
				return group[i].ResponseCreatedAt.Before(group[j].ResponseCreatedAt)
			}
			ki, kj := group[i].Key(), group[j].Key()
			if ki.QueryID != kj.QueryID {
				return ki.QueryID < kj.QueryID
			}
			return ki.Provider < kj.Provider
		})

		for i := 0; i < len(group); i += size {
			end := i + size
			if end > len(group) {
				end = len(group)
			}
			batches = append(batches, model.Batch{
				RunID:    group[0].RunID,
				Category: category,
				Index:    i / size,
				Analyses: group[i:end],
			})
		}
	}
	return batches
}
