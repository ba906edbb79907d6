package model

import "fmt"

// Role is the agent role a step or tool call acts as.
type Role string

const (
	RoleFounder Role = "founder"
	RolePM      Role = "pm"
	RoleDesign  Role = "design"
	RoleEng     Role = "eng"
	RoleQA      Role = "qa"
)

// Roles lists every known role in pipeline order.
var Roles = []Role{RoleFounder, RolePM, RoleDesign, RoleEng, RoleQA}

// ParseRole converts a string to a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("model: unknown role %q", s)
}

// ArtifactStatus is the review status recorded in an artifact header.
type ArtifactStatus string

const (
	ArtifactStatusDraft   ArtifactStatus = "draft"
	ArtifactStatusReady   ArtifactStatus = "ready"
	ArtifactStatusBlocked ArtifactStatus = "blocked"
)

// Valid reports whether s is a known artifact status.
func (s ArtifactStatus) Valid() bool {
	return s == ArtifactStatusDraft || s == ArtifactStatusReady || s == ArtifactStatusBlocked
}
