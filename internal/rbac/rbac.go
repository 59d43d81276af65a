// Package rbac resolves role names to permission sets. The role → permission
// map is a static, deploy-time artifact embedded into the binary; resolution
// is a pure in-memory union with no I/O, cheap enough to call on every
// request if claims-level checks are not sufficient.
package rbac

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed roles.yaml
var rolesYAML []byte

type roleDef struct {
	Level       int      `yaml:"level"`
	Permissions []string `yaml:"permissions"`
}

type rolesFile struct {
	Version int                `yaml:"version"`
	Roles   map[string]roleDef `yaml:"roles"`
}

// Resolver maps role names to flat permission sets. Roles are not
// hierarchical by structure: each role carries an explicit set, and the
// effective set of a principal is the union over their roles. Level gives a
// total order used only for coarse "at least moderator" style gating.
type Resolver struct {
	version int
	roles   map[string]roleDef
	sets    map[string]map[string]struct{}
}

// NewResolver loads the embedded role map.
func NewResolver() (*Resolver, error) {
	return newResolverFromBytes(rolesYAML)
}

func newResolverFromBytes(raw []byte) (*Resolver, error) {
	var f rolesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse role map: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("role map is empty")
	}

	sets := make(map[string]map[string]struct{}, len(f.Roles))
	for name, def := range f.Roles {
		set := make(map[string]struct{}, len(def.Permissions))
		for _, p := range def.Permissions {
			set[p] = struct{}{}
		}
		sets[name] = set
	}

	return &Resolver{version: f.Version, roles: f.Roles, sets: sets}, nil
}

// Version returns the role map's artifact version.
func (r *Resolver) Version() int {
	return r.version
}

// Known reports whether the role name exists in the map.
func (r *Resolver) Known(role string) bool {
	_, ok := r.roles[role]
	return ok
}

// Level returns the ordering level for a role, or -1 for unknown roles.
func (r *Resolver) Level(role string) int {
	def, ok := r.roles[role]
	if !ok {
		return -1
	}
	return def.Level
}

// Resolve returns the union of the permission sets of the given roles,
// sorted for stable output. Unknown roles contribute the empty set.
func (r *Resolver) Resolve(roles []string) []string {
	union := make(map[string]struct{})
	for _, role := range roles {
		for p := range r.sets[role] {
			union[p] = struct{}{}
		}
	}

	out := make([]string, 0, len(union))
	for p := range union {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasPermission reports whether any of the given roles grants the permission.
func (r *Resolver) HasPermission(roles []string, permission string) bool {
	for _, role := range roles {
		if _, ok := r.sets[role][permission]; ok {
			return true
		}
	}
	return false
}

// HasMinimumLevel reports whether the highest of the given roles reaches the
// level of the named role. Used for coarse gating like "at least moderator".
func (r *Resolver) HasMinimumLevel(roles []string, minimum string) bool {
	min, ok := r.roles[minimum]
	if !ok {
		return false
	}
	for _, role := range roles {
		if def, ok := r.roles[role]; ok && def.Level >= min.Level {
			return true
		}
	}
	return false
}
