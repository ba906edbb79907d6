// Package quality provides artifact completeness scoring.
// Quality scores (0.0-1.0) measure how much of the expected structure an
// artifact body carries and are recorded in the artifact's notes.
package quality

import (
	"encoding/json"
	"strings"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
)

// designStates are the UI states a design is expected to cover.
var designStates = []string{"loading", "success", "error"}

// Score computes a quality score (0.0-1.0) for an artifact body. The body
// may be any JSON-encodable value. ok is false for artifact types without a
// scoring rubric or bodies that are not JSON objects.
//
// Scoring factors by type:
//
//	spec:       problem statement (0.25), requirements (0.25), acceptance
//	            criteria (0.25), milestones (0.15), user journey (0.10)
//	design:     UX goals (0.30), flows (0.40), loading/success/error states (0.10 each)
//	build_plan: milestones (0.50), release criteria on all of them (0.20), risks (0.30)
//	qa_report:  results (0.50), every result has a status (0.20), recommendation (0.30)
func Score(artifactType string, body any) (score float32, ok bool) {
	m, ok := asObject(body)
	if !ok {
		return 0, false
	}

	switch artifactType {
	case artifacts.TypeSpec:
		if substantive(m["problemStatement"], 20) {
			score += 0.25
		}
		if count(m["functionalRequirements"]) >= 1 {
			score += 0.25
		}
		if count(m["acceptanceCriteria"]) >= 1 {
			score += 0.25
		}
		if count(m["milestones"]) >= 1 {
			score += 0.15
		}
		if count(m["userJourney"]) >= 2 {
			score += 0.10
		}
	case artifacts.TypeDesign:
		if count(m["uxGoals"]) >= 1 {
			score += 0.30
		}
		if count(m["flows"]) >= 1 {
			score += 0.40
		}
		covered := map[string]bool{}
		for _, s := range items(m["states"]) {
			if st, ok := s["state"].(string); ok {
				covered[st] = true
			}
		}
		for _, want := range designStates {
			if covered[want] {
				score += 0.10
			}
		}
	case artifacts.TypeBuildPlan:
		milestones := items(m["implementationMilestones"])
		if len(milestones) >= 1 {
			score += 0.50
			if all(milestones, func(o map[string]any) bool { return count(o["releaseCriteria"]) >= 1 }) {
				score += 0.20
			}
		}
		if count(m["riskList"]) >= 1 {
			score += 0.30
		}
	case artifacts.TypeQAReport:
		results := items(m["results"])
		if len(results) >= 1 {
			score += 0.50
			if all(results, func(o map[string]any) bool { return substantive(o["status"], 0) }) {
				score += 0.20
			}
		}
		if substantive(m["shipRecommendation"], 0) {
			score += 0.30
		}
	default:
		return 0, false
	}

	// Float sums like 0.25+0.25+0.25+0.15+0.10 can land a hair above 1.
	if score > 1 {
		score = 1
	}
	return score, true
}

// asObject normalizes body to a decoded JSON object so nested Go slices
// and maps look the same as bodies read back from disk.
func asObject(body any) (map[string]any, bool) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

func substantive(v any, minLen int) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	n := len(strings.TrimSpace(s))
	return n > minLen || (minLen == 0 && n > 0)
}

func count(v any) int {
	a, _ := v.([]any)
	return len(a)
}

func items(v any) []map[string]any {
	var out []map[string]any
	a, _ := v.([]any)
	for _, e := range a {
		if o, ok := e.(map[string]any); ok {
			out = append(out, o)
		}
	}
	return out
}

func all(objs []map[string]any, pred func(map[string]any) bool) bool {
	for _, o := range objs {
		if !pred(o) {
			return false
		}
	}
	return true
}
