package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Analysis is the structured result embedded in the analyzer's output.
type Analysis struct {
	Classification    string   `json:"classification"`
	Summary           string   `json:"summary"`
	Concerns          []string `json:"concerns"`
	Deadlines         []string `json:"deadlines"`
	Urgency           string   `json:"urgency"`
	RecommendedAction string   `json:"recommended_action"`
}

// ParseAnalysis extracts the structured result from the analyzer's free-form
// output. The JSON object may be wrapped in a fenced code block, or be
// surrounded by prose; both wrappings are stripped before unmarshalling.
func ParseAnalysis(raw string) (*Analysis, error) {
	payload := stripFences(raw)

	// The service sometimes surrounds the object with commentary; cut to the
	// outermost braces.
	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object in analysis output")
	}
	payload = payload[start : end+1]

	var analysis Analysis
	if err := json.Unmarshal([]byte(payload), &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse analysis output: %w", err)
	}

	if analysis.Classification == "" && analysis.Summary == "" {
		return nil, fmt.Errorf("analysis output missing required fields")
	}

	return &analysis, nil
}

// stripFences removes a surrounding ```json ... ``` (or bare ```) fence.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx != -1 {
		// Drop the language tag line (e.g. "json").
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx != -1 {
		trimmed = trimmed[:idx]
	}

	return strings.TrimSpace(trimmed)
}
