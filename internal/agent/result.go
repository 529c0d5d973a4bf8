package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/sift/internal/types"
)

// parseResult decodes the model's final answer into a TriageResult. A
// response that does not match the decision contract degrades to an empty
// result with the reason attached; it never fails.
func parseResult(raw string) *types.TriageResult {
	var decoded struct {
		AnalysisSummary        string                      `json:"analysis_summary"`
		Decisions              []types.Decision            `json:"decisions"`
		BatchGroups            map[string]types.BatchGroup `json:"batch_groups"`
		OverallRecommendations []string                    `json:"overall_recommendations"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decoded); err != nil {
		return &types.TriageResult{
			AnalysisSummary:        "failed to parse model response",
			Decisions:              []types.Decision{},
			OverallRecommendations: []string{"parse error: " + err.Error()},
			Degraded:               true,
		}
	}

	result := &types.TriageResult{
		AnalysisSummary:        decoded.AnalysisSummary,
		Decisions:              make([]types.Decision, 0, len(decoded.Decisions)),
		OverallRecommendations: decoded.OverallRecommendations,
	}

	var dropped []string
	for _, d := range decoded.Decisions {
		if !d.Decision.Valid() {
			dropped = append(dropped, d.NotificationID)
			continue
		}
		result.Decisions = append(result.Decisions, d)
	}
	if len(dropped) > 0 {
		result.OverallRecommendations = append(result.OverallRecommendations,
			fmt.Sprintf("dropped %d decisions with unknown categories: %s",
				len(dropped), strings.Join(dropped, ", ")))
	}

	if len(decoded.BatchGroups) > 0 {
		result.BatchGroups = make(map[string]types.BatchGroup, len(decoded.BatchGroups))
		for name, g := range decoded.BatchGroups {
			g.Name = name
			result.BatchGroups[name] = g
		}
	}

	return result
}

// extractJSON pulls the outermost JSON object out of a response that may be
// wrapped in markdown fences or surrounding prose.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
