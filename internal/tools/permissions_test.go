package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

func TestDefaultPermissions(t *testing.T) {
	p := DefaultPermissions()
	want := map[model.Role][]string{
		model.RoleFounder: {NameMCP, NameFiles},
		model.RolePM:      {NameMCP, NameBrowser, NameFiles},
		model.RoleDesign:  {NameMCP, NameFiles},
		model.RoleEng:     {NameBash, NameFiles, NameBrowser},
		model.RoleQA:      {NameBash, NameFiles, NameBrowser},
	}
	for role, allowed := range want {
		for _, tool := range Names {
			assert.Equal(t, contains(allowed, tool), p.Allowed(role, tool), "%s/%s", role, tool)
		}
	}
	assert.False(t, p.Allowed(model.Role("intern"), NameFiles))
	assert.ErrorIs(t, p.Check(model.RoleDesign, NameBash), ErrPermissionDenied)
	assert.NoError(t, p.Check(model.RoleEng, NameBash))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestLoadPermissionsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  design: [files, browser]\n  qa: []\n"), 0o644))

	p, err := LoadPermissions(path)
	require.NoError(t, err)
	assert.True(t, p.Allowed(model.RoleDesign, NameBrowser))
	assert.False(t, p.Allowed(model.RoleDesign, NameMCP))
	assert.False(t, p.Allowed(model.RoleQA, NameBash))
	assert.True(t, p.Allowed(model.RoleEng, NameBash), "unlisted roles keep defaults")
}

func TestLoadPermissionsErrors(t *testing.T) {
	_, err := LoadPermissions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = parsePermissions([]byte("roles:\n  intern: [files]\n"), DefaultPermissions())
	assert.Error(t, err)

	_, err = parsePermissions([]byte("roles:\n  eng: [laser]\n"), DefaultPermissions())
	assert.Error(t, err)

	_, err = parsePermissions([]byte("roles: [\n"), DefaultPermissions())
	assert.Error(t, err)

	p, err := LoadPermissions("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPermissions(), p)
}
