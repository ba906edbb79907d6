package tools

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// Permissions is the role to allowed-tools table.
type Permissions map[model.Role][]string

// DefaultPermissions returns the built-in table.
func DefaultPermissions() Permissions {
	return Permissions{
		model.RoleFounder: {NameMCP, NameFiles},
		model.RolePM:      {NameMCP, NameBrowser, NameFiles},
		model.RoleDesign:  {NameMCP, NameFiles},
		model.RoleEng:     {NameBash, NameFiles, NameBrowser},
		model.RoleQA:      {NameBash, NameFiles, NameBrowser},
	}
}

// Allowed reports whether role may use tool. Unknown roles may use nothing.
func (p Permissions) Allowed(role model.Role, tool string) bool {
	return slices.Contains(p[role], tool)
}

// Check returns ErrPermissionDenied unless role may use tool.
func (p Permissions) Check(role model.Role, tool string) error {
	if !p.Allowed(role, tool) {
		return fmt.Errorf("%w: role %q may not use tool %q", ErrPermissionDenied, role, tool)
	}
	return nil
}

// permissionsFile is the YAML shape:
//
//	roles:
//	  eng: [bash, files]
//	  qa: [files]
type permissionsFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadPermissions reads a YAML override. Roles named in the file replace
// their default entry; roles not named keep their defaults. An empty path
// returns the defaults.
func LoadPermissions(path string) (Permissions, error) {
	perms := DefaultPermissions()
	if path == "" {
		return perms, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tools: read permissions: %w", err)
	}
	return parsePermissions(data, perms)
}

func parsePermissions(data []byte, perms Permissions) (Permissions, error) {
	var f permissionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tools: parse permissions: %w", err)
	}
	for name, toolList := range f.Roles {
		role, err := model.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("tools: permissions: %w", err)
		}
		for _, t := range toolList {
			if !slices.Contains(Names, t) {
				return nil, fmt.Errorf("tools: permissions: role %q lists unknown tool %q", name, t)
			}
		}
		perms[role] = append([]string(nil), toolList...)
	}
	return perms, nil
}
