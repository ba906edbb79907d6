package pipeline

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
)

// Stage is one role's turn in the pipeline. Build returns the artifact
// body and its Markdown rendering for the given request text and the
// role's context pack.
type Stage struct {
	Name         string
	Role         model.Role
	ArtifactType string
	DependsOn    []string
	Build        func(request string, pack memory.ContextPack) (any, string)
}

// DefaultStages returns the pm, design, eng, qa sequence.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "pm", Role: model.RolePM, ArtifactType: artifacts.TypeSpec, Build: buildSpec},
		{Name: "design", Role: model.RoleDesign, ArtifactType: artifacts.TypeDesign,
			DependsOn: []string{artifacts.TypeSpec}, Build: buildDesign},
		{Name: "eng", Role: model.RoleEng, ArtifactType: artifacts.TypeBuildPlan,
			DependsOn: []string{artifacts.TypeSpec, artifacts.TypeDesign}, Build: buildPlan},
		{Name: "qa", Role: model.RoleQA, ArtifactType: artifacts.TypeQAReport,
			DependsOn: []string{artifacts.TypeBuildPlan}, Build: buildQAReport},
	}
}

func summarize(request string) string {
	s := strings.Join(strings.Fields(request), " ")
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120]) + "..."
	}
	if s == "" {
		s = "(empty request)"
	}
	return s
}

// decisionsSection lists the recent global decisions a stage should honor.
func decisionsSection(pack memory.ContextPack) string {
	if len(pack.Global.RecentDecisions) == 0 {
		return ""
	}
	return "\n\n## Prior decisions\n\n- " + strings.Join(pack.Global.RecentDecisions, "\n- ")
}

// inputsSection lists the run's artifacts the stage builds on.
func inputsSection(pack memory.ContextPack, dependsOn ...string) string {
	var in []string
	for _, dep := range dependsOn {
		for _, name := range pack.RunArtifacts {
			if name == dep+".md" {
				in = append(in, name)
			}
		}
	}
	if len(in) == 0 {
		return ""
	}
	return "\n\nInputs: " + strings.Join(in, ", ")
}

func buildSpec(request string, pack memory.ContextPack) (any, string) {
	summary := summarize(request)
	body := map[string]any{
		"problemStatement": summary,
		"targetUser":       "founder",
		"userJourney":      []string{"send request over chat", "receive progress notices", "review artifacts"},
		"functionalRequirements": []map[string]any{
			{"id": "FR1", "text": "Deliver: " + summary, "priority": "must"},
		},
		"acceptanceCriteria": []map[string]any{
			{"id": "AC1", "text": "Requester confirms the delivered result matches the request"},
		},
		"milestones": []map[string]any{
			{"id": "M1", "name": "First delivery", "definitionOfDone": []string{"artifacts reviewed"}},
		},
	}
	md := fmt.Sprintf("# Spec\n\n## Problem\n\n%s\n\n## Requirements\n\n- FR1 (must): Deliver: %s", summary, summary)
	return body, md + decisionsSection(pack)
}

func buildDesign(request string, pack memory.ContextPack) (any, string) {
	summary := summarize(request)
	body := map[string]any{
		"uxGoals": []string{"keep the requester informed without polling"},
		"flows": []map[string]any{
			{"id": "F1", "name": "Request to delivery", "steps": []string{"request received", "work started notice", "completion notice"}},
		},
		"states": []map[string]any{
			{"surface": "whatsapp", "state": "loading", "behavior": "start notice sent once"},
			{"surface": "whatsapp", "state": "success", "behavior": "completion notice sent once"},
			{"surface": "whatsapp", "state": "error", "behavior": "failure notice with reason"},
		},
	}
	md := fmt.Sprintf("# Design\n\nFlow for: %s\n\n1. request received\n2. work started notice\n3. completion notice", summary)
	return body, md + inputsSection(pack, artifacts.TypeSpec)
}

func buildPlan(request string, pack memory.ContextPack) (any, string) {
	summary := summarize(request)
	body := map[string]any{
		"implementationMilestones": []map[string]any{
			{"milestoneId": "M1", "scope": []string{summary}, "priority": "P0", "releaseCriteria": []string{"AC1 passes"}},
		},
		"riskList": []map[string]any{
			{"risk": "request is underspecified", "mitigation": "confirm scope with requester"},
		},
	}
	md := fmt.Sprintf("# Build plan\n\n## M1 (P0)\n\n- %s\n\nRelease when AC1 passes.", summary)
	return body, md + inputsSection(pack, artifacts.TypeSpec, artifacts.TypeDesign) + decisionsSection(pack)
}

func buildQAReport(_ string, pack memory.ContextPack) (any, string) {
	body := map[string]any{
		"results":            []map[string]any{{"testId": "AC1", "status": "pass"}},
		"shipRecommendation": "ship",
	}
	return body, "# QA report\n\n- AC1: pass\n\nRecommendation: ship" + inputsSection(pack, artifacts.TypeBuildPlan)
}
