package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

func writeGlobal(t *testing.T, l *Layout, rel, content string) {
	t.Helper()
	base, err := l.Base(Global())
	require.NoError(t, err)
	full := filepath.Join(base, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestRetrieveEmpty(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()

	pack, err := l.Retrieve(id, model.RolePM)
	require.NoError(t, err)
	assert.Equal(t, model.RolePM, pack.Role)
	assert.Equal(t, id, pack.RunID)
	assert.Empty(t, pack.Global.Vision)
	assert.Empty(t, pack.Global.RecentDecisions)
	assert.Empty(t, pack.RunArtifacts)
	assert.Empty(t, pack.Scratch)
	assert.Equal(t, "## Context\n", pack.Markdown())
}

func TestRetrieve(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()

	writeGlobal(t, l, VisionDoc, "Tiny vision.")
	writeGlobal(t, l, RoadmapDoc, strings.Repeat("r", roadmapLimit))
	writeGlobal(t, l, ArchitectureDoc, strings.Repeat("é", architectureLimit+10))
	for _, name := range []string{"0001.md", "0002.md", "0003.md", "0004.md", "0005.md", "0006.md", "0007.md"} {
		writeGlobal(t, l, DecisionsDir+"/"+name, name)
	}
	require.NoError(t, l.Write(Run(id), "spec.md", "# Spec"))
	require.NoError(t, l.Write(Run(id), "spec.json", "{}"))
	require.NoError(t, l.Append(Scratch(id, model.RoleEng), ScratchNotes, "- earlier\n"))
	require.NoError(t, l.Append(Scratch(id, model.RoleQA), ScratchNotes, "- not mine\n"))

	pack, err := l.Retrieve(id, model.RoleEng)
	require.NoError(t, err)

	assert.Equal(t, "Tiny vision.", pack.Global.Vision)
	assert.Equal(t, strings.Repeat("r", roadmapLimit), pack.Global.Roadmap, "at the limit is kept whole")
	assert.Equal(t, strings.Repeat("é", architectureLimit)+excerptMarker, pack.Global.Architecture, "cut by characters")
	assert.Equal(t, []string{"0003.md", "0004.md", "0005.md", "0006.md", "0007.md"}, pack.Global.RecentDecisions)
	assert.Equal(t, []string{"spec.json", "spec.md"}, pack.RunArtifacts)
	assert.Equal(t, "- earlier\n", pack.Scratch)

	md := pack.Markdown()
	assert.Contains(t, md, "### Vision\n\nTiny vision.\n")
	assert.Contains(t, md, "### Recent decisions\n\n- 0003.md\n- 0004.md")
	assert.Contains(t, md, "### Run artifacts\n\n- spec.json\n- spec.md\n")
	assert.Contains(t, md, "### Scratch\n\n- earlier\n")
}

func TestRetrieveRejectsUnknownRole(t *testing.T) {
	_, err := newLayout(t).Retrieve(uuid.New(), model.Role("intern"))
	assert.Error(t, err)
}
