package aggregator

import "strings"

const aggregateSystem = "You are a GEO (generative engine optimization) strategist consolidating insights into a prioritized action plan. Tailor recommendations to the stated company profile and decision-maker persona. Return valid JSON matching the requested schema."

const categoryPrompt = `Consolidate the %d %s insights below for the "%s" category into the strongest picks.

Brand: %s
Audience profile: %s

Insights:
%s

Return a valid JSON object with exactly %d insights, ranked strongest first:
{
  "insights": [
    {
      "title": "<short actionable title>",
      "rationale": "<why this made the cut>",
      "priority": <1-10>,
      "impact": "<high|medium|low>",
      "difficulty": "<high|medium|low>"
    }
  ]
}`

const crossCategoryPrompt = `Consolidate the %s insights below, drawn from multiple query categories, into cross-cutting strategic priorities.

Brand: %s
Audience profile: %s

Insights (with source category in brackets):
%s

Return a valid JSON object with between %d and %d insights, ranked strongest first. Every insight must list the categories it draws on:
{
  "insights": [
    {
      "title": "<short actionable title>",
      "rationale": "<why this is a cross-cutting priority>",
      "priority": <1-10>,
      "impact": "<high|medium|low>",
      "difficulty": "<high|medium|low>",
      "budget": "<rough budget band>",
      "timeline": "<rough timeline>",
      "team": "<who executes>",
      "expected_outcome": "<what success looks like>",
      "source_categories": ["<category>", ...]
    }
  ]
}`

const briefPrompt = `Write an executive brief for the brand's visibility in AI answer engines.

Brand: %s
Audience profile: %s

Run-level scores: mean GEO %.1f, mean share of voice %.1f, mean completeness %.1f
Sentiment distribution: %s

Strategic priorities:
%s

Return a valid JSON object:
{
  "situation_assessment": "<2-3 paragraph assessment of current AI visibility>",
  "prioritized_roadmap": ["<step 1>", "<step 2>", ...],
  "expected_outcomes": "<what executing the roadmap should achieve>"
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
