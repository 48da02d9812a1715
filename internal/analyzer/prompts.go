package analyzer

import "strings"

const analyzeSystem = "You are a brand visibility analyst scoring how an AI-generated answer covers a specific brand. Return valid JSON matching the requested schema. All scores are 0-100."

const analyzePrompt = `Analyze how the following AI-generated response covers the brand.

Brand: %s
Known variants: %s
Competitors: %s

Response text:
%s

Return a valid JSON object:
{
  "mentioned": <true if the brand appears>,
  "mention_count": <number of brand mentions>,
  "first_mention_fraction": <position of first mention as fraction of text length, 0.0-1.0>,
  "sentiment": "<positive|neutral|negative|mixed>",
  "competitor_mentions": {"<competitor>": <count>, ...},
  "citation_quality": <0-100, quality of citations or sources referencing the brand>,
  "content_relevance": <0-100, how relevant the brand coverage is to the question>,
  "authority_signal": <0-100, how authoritative the brand is portrayed>,
  "position_prominence": <0-100, how early and prominently the brand appears>,
  "context_quality": <0-100, depth of context around brand mentions>,
  "feature_coverage": <0-100, how many brand capabilities are described>,
  "value_prop_coverage": <0-100, how well the brand's value proposition comes through>,
  "candidate_insights": ["<short observation about brand positioning>", ...]
}`

// cleanJSON strips markdown code fences and surrounding prose from model
// output before unmarshaling.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
