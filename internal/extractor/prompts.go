package extractor

import "strings"

const extractSystem = "You are a GEO (generative engine optimization) strategist deriving actionable insights from analyzed AI answer-engine responses. Return valid JSON matching the requested schema."

const extractPrompt = `Derive %s insights from the analyzed responses below.

Category: %s
Strategic focus: %s
Brand: %s
Industry: %s

Analyzed responses:
%s

Return a valid JSON object with exactly %d insights:
{
  "insights": [
    {
      "title": "<short actionable title>",
      "rationale": "<why this matters, grounded in the response data>",
      "priority": <1-10, 10 most urgent>,
      "impact": "<high|medium|low>",
      "difficulty": "<high|medium|low>"
    }
  ]
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
