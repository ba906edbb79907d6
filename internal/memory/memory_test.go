package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

func newLayout(t *testing.T) *Layout {
	t.Helper()
	root := t.TempDir()
	l, err := NewLayout(filepath.Join(root, "data"), filepath.Join(root, "memory"))
	require.NoError(t, err)
	return l
}

func TestBase(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()

	base, err := l.Base(Run(id))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.DataDir(), "runs", id.String(), "artifacts"), base)

	base, err = l.Base(Scratch(id, model.RoleEng))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.DataDir(), "runs", id.String(), "scratch", "eng"), base)

	_, err = l.Base(Scratch(id, model.Role("intern")))
	assert.Error(t, err)
	_, err = l.Base(Run(uuid.Nil))
	assert.Error(t, err)
	_, err = l.Base(Scope{Kind: "other"})
	assert.Error(t, err)
}

func TestResolveRejectsEscapes(t *testing.T) {
	l := newLayout(t)
	s := Scratch(uuid.New(), model.RolePM)

	for _, rel := range []string{"../x", "../../artifacts/prd.json", "a/../../b", "/etc/passwd"} {
		_, err := l.Resolve(s, rel)
		assert.ErrorIs(t, err, ErrPathEscape, rel)
	}

	for _, rel := range []string{"notes.md", "a/b/c.txt", "a/../b.txt", "."} {
		_, err := l.Resolve(s, rel)
		assert.NoError(t, err, rel)
	}
}

func TestEnsureRunFolders(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()
	require.NoError(t, l.EnsureRunFolders(id))
	require.NoError(t, l.EnsureRunFolders(id))

	assert.DirExists(t, filepath.Join(l.RunDir(id), "artifacts"))
	for _, r := range model.Roles {
		assert.DirExists(t, filepath.Join(l.RunDir(id), "scratch", string(r)))
	}
}

func TestReadWriteAppendList(t *testing.T) {
	l := newLayout(t)
	s := Scratch(uuid.New(), model.RoleDesign)

	got, err := l.Read(s, "missing.md")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.Write(s, "notes/a.md", "one"))
	require.NoError(t, l.Append(s, "notes/a.md", " two"))
	got, err = l.Read(s, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "one two", got)

	require.NoError(t, l.Write(s, "notes/b.md", ""))
	names, err := l.List(s, "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, names)

	names, err = l.List(s, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestGlobalIsReadOnly(t *testing.T) {
	l := newLayout(t)
	assert.ErrorIs(t, l.Write(Global(), "x.md", "x"), ErrReadOnly)
	assert.ErrorIs(t, l.Append(Global(), "x.md", "x"), ErrReadOnly)

	base, err := l.Base(Global())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "company.md"), []byte("values"), 0o644))
	got, err := l.Read(Global(), "company.md")
	require.NoError(t, err)
	assert.Equal(t, "values", got)
}
