package analyzer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/sells-group/geoinsight/internal/model"
)

// fold case-folds for matching. A fresh caser per call keeps this safe for
// concurrent analyzers.
func fold(s string) string {
	return cases.Fold().String(s)
}

// mentionVariants expands a name into the surface forms the matcher accepts:
// the name itself, simple plural, and possessives. Multi-word names also
// match on their full form with collapsed whitespace.
func mentionVariants(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	variants := []string{name, name + "s", name + "'s", name + "’s"}
	if fields := strings.Fields(name); len(fields) > 1 {
		variants = append(variants, strings.Join(fields, " "))
	}
	return variants
}

// countMentions counts word-boundary occurrences of any variant of any name
// in text. Overlapping variants of the same name count once per position.
func countMentions(text string, names []string) (count int, firstIndex int) {
	folded := fold(text)
	firstIndex = -1

	matched := make(map[int]bool)
	for _, name := range names {
		for _, v := range mentionVariants(name) {
			fv := fold(v)
			for pos := 0; ; {
				idx := strings.Index(folded[pos:], fv)
				if idx < 0 {
					break
				}
				abs := pos + idx
				pos = abs + len(fv)
				if !atWordBoundary(folded, abs, len(fv)) {
					continue
				}
				if matched[abs] {
					continue
				}
				matched[abs] = true
				count++
				if firstIndex == -1 || abs < firstIndex {
					firstIndex = abs
				}
			}
		}
	}
	return count, firstIndex
}

func atWordBoundary(s string, start, length int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	end := start + length
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var positiveWords = []string{
	"best", "leading", "excellent", "recommended", "top", "strong",
	"popular", "reliable", "powerful", "robust", "great",
}

var negativeWords = []string{
	"worst", "poor", "lacks", "lacking", "expensive", "limited",
	"weak", "outdated", "difficult", "clunky", "slow",
}

// heuristicSentiment classifies tone from keyword counts in the sentences
// that mention the brand. No mention means neutral.
func heuristicSentiment(text string, brandNames []string) model.Sentiment {
	var pos, neg int
	for _, sentence := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		if n, _ := countMentions(sentence, brandNames); n == 0 {
			continue
		}
		folded := fold(sentence)
		for _, w := range positiveWords {
			if strings.Contains(folded, w) {
				pos++
			}
		}
		for _, w := range negativeWords {
			if strings.Contains(folded, w) {
				neg++
			}
		}
	}

	switch {
	case pos > 0 && neg > 0:
		return model.SentimentMixed
	case pos > 0:
		return model.SentimentPositive
	case neg > 0:
		return model.SentimentNegative
	default:
		return model.SentimentNeutral
	}
}

// analyzeHeuristic produces a deterministic annotation from string matching
// alone. Lower fidelity than the extraction call, but costs nothing.
func (a *Analyzer) analyzeHeuristic(resp model.RawResponse, brand model.BrandContext) *model.ResponseAnalysis {
	brandNames := brand.AllNames()

	mentionCount, firstIdx := countMentions(resp.Text, brandNames)
	mentioned := mentionCount > 0

	// firstIdx indexes the folded text, and folding can change byte
	// lengths, so the denominator must be the folded length too.
	var firstFraction float64
	if mentioned {
		if foldedLen := len(fold(resp.Text)); foldedLen > 0 {
			firstFraction = float64(firstIdx) / float64(foldedLen)
		}
	}

	competitorMentions := make(map[string]int, len(brand.Competitors))
	for _, comp := range brand.Competitors {
		if n, _ := countMentions(resp.Text, []string{comp}); n > 0 {
			competitorMentions[comp] = n
		}
	}

	sentiment := heuristicSentiment(resp.Text, brandNames)

	geo := heuristicGEOFactors(mentioned, mentionCount, firstFraction, sentiment, resp.Text)
	completeness := heuristicCompletenessFactors(resp.Text, mentionCount)

	return &model.ResponseAnalysis{
		RunID:                resp.RunID,
		QueryID:              resp.QueryID,
		Provider:             resp.Provider,
		Category:             resp.Category,
		Mentioned:            mentioned,
		MentionCount:         mentionCount,
		FirstMentionFraction: firstFraction,
		Sentiment:            sentiment,
		CompetitorMentions:   competitorMentions,
		GEO:                  geo,
		Completeness:         completeness,
		GEOScore:             GEOScore(geo),
		SOVScore:             SOVScore(mentionCount, competitorMentions),
		CompletenessScore:    CompletenessScore(completeness),
		Strategy:             string(StrategyHeuristic),
		ResponseCreatedAt:    resp.CreatedAt,
		CreatedAt:            a.nowFunc(),
	}
}

func heuristicGEOFactors(mentioned bool, mentionCount int, firstFraction float64, sentiment model.Sentiment, text string) model.GEOFactors {
	if !mentioned {
		return model.GEOFactors{}
	}

	citation := 30.0
	if strings.Contains(text, "http://") || strings.Contains(text, "https://") {
		citation = 60
	}

	authority := 50.0
	switch sentiment {
	case model.SentimentPositive:
		authority = 75
	case model.SentimentMixed:
		authority = 45
	case model.SentimentNegative:
		authority = 25
	}

	return model.GEOFactors{
		CitationQuality:    citation,
		ContentRelevance:   model.Clamp100(float64(mentionCount) * 20),
		AuthoritySignal:    authority,
		PositionProminence: model.Clamp100((1 - firstFraction) * 100),
	}
}

func heuristicCompletenessFactors(text string, mentionCount int) model.CompletenessFactors {
	// Longer answers carry more context; 4000 chars saturates the term.
	contextQuality := model.Clamp100(float64(len(text)) / 40)
	return model.CompletenessFactors{
		ContextQuality:    contextQuality,
		FeatureCoverage:   model.Clamp100(float64(mentionCount) * 15),
		ValuePropCoverage: model.Clamp100(float64(mentionCount) * 10),
	}
}
