package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// Global document names read into every context pack.
const (
	VisionDoc       = "vision.md"
	RoadmapDoc      = "roadmap.md"
	ArchitectureDoc = "architecture.md"
	DecisionsDir    = "decisions"
	ScratchNotes    = "notes.md"
)

// Excerpt limits, in characters.
const (
	visionLimit       = 1000
	roadmapLimit      = 1000
	architectureLimit = 1500
	recentDecisions   = 5
)

const excerptMarker = "\n... [truncated] ..."

// GlobalContext holds excerpts of the company documents and the names of
// the most recent decision records.
type GlobalContext struct {
	Vision          string   `json:"vision"`
	Roadmap         string   `json:"roadmap"`
	Architecture    string   `json:"architecture"`
	RecentDecisions []string `json:"recent_decisions"`
}

// ContextPack is what a role sees before it starts a stage: pointers and
// excerpts rather than whole documents.
type ContextPack struct {
	Role   model.Role    `json:"role"`
	RunID  uuid.UUID     `json:"run_id"`
	Global GlobalContext `json:"global"`
	// RunArtifacts lists the files already in the run's artifact scope.
	RunArtifacts []string `json:"run_artifacts"`
	// Scratch is the role's own notes.md for the run.
	Scratch string `json:"scratch"`
}

// Retrieve builds the context pack for role in run. Missing documents and
// directories contribute nothing.
func (l *Layout) Retrieve(runID uuid.UUID, role model.Role) (ContextPack, error) {
	pack := ContextPack{Role: role, RunID: runID}
	global := Global()

	docs := []struct {
		name  string
		limit int
		dst   *string
	}{
		{VisionDoc, visionLimit, &pack.Global.Vision},
		{RoadmapDoc, roadmapLimit, &pack.Global.Roadmap},
		{ArchitectureDoc, architectureLimit, &pack.Global.Architecture},
	}
	for _, d := range docs {
		text, err := l.Read(global, d.name)
		if err != nil {
			return ContextPack{}, fmt.Errorf("memory: context: %w", err)
		}
		*d.dst = excerpt(text, d.limit)
	}

	decisions, err := l.List(global, DecisionsDir)
	if err != nil {
		return ContextPack{}, fmt.Errorf("memory: context: %w", err)
	}
	if len(decisions) > recentDecisions {
		decisions = decisions[len(decisions)-recentDecisions:]
	}
	pack.Global.RecentDecisions = decisions

	if pack.RunArtifacts, err = l.List(Run(runID), ""); err != nil {
		return ContextPack{}, fmt.Errorf("memory: context: %w", err)
	}
	if pack.Scratch, err = l.Read(Scratch(runID, role), ScratchNotes); err != nil {
		return ContextPack{}, fmt.Errorf("memory: context: %w", err)
	}
	return pack, nil
}

// Markdown renders the pack as a notes section. Empty parts are left out.
func (p ContextPack) Markdown() string {
	var b strings.Builder
	b.WriteString("## Context\n")
	section := func(title, body string) {
		if body = strings.TrimSpace(body); body != "" {
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", title, body)
		}
	}
	section("Vision", p.Global.Vision)
	section("Roadmap", p.Global.Roadmap)
	section("Architecture", p.Global.Architecture)
	section("Recent decisions", bullets(p.Global.RecentDecisions))
	section("Run artifacts", bullets(p.RunArtifacts))
	section("Scratch", p.Scratch)
	return b.String()
}

func bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

func excerpt(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + excerptMarker
}
