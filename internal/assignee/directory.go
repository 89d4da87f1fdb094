// Package assignee resolves step assignee descriptors to concrete actors
// using an external role and team directory.
package assignee

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Directory is the identity collaborator that knows role and team
// membership.
type Directory interface {
	MembersOfRole(ctx context.Context, role string) ([]string, error)
	MembersOfTeam(ctx context.Context, team string) ([]string, error)
	RolesOf(ctx context.Context, userID string) ([]string, error)
	TeamsOf(ctx context.Context, userID string) ([]string, error)
}

type directoryFile struct {
	Roles map[string][]string `yaml:"roles"`
	Teams map[string][]string `yaml:"teams"`
}

// StaticDirectory serves membership from a YAML file mapping roles and teams
// to user ids.
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	data directoryFile
}

// NewStaticDirectory creates a directory loaded from path. An empty path
// yields an empty directory.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if path == "" {
		return d, nil
	}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromMaps creates a directory from in-memory maps.
func NewStaticDirectoryFromMaps(roles, teams map[string][]string) *StaticDirectory {
	return &StaticDirectory{data: directoryFile{Roles: roles, Teams: teams}}
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("assignee: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("assignee: parsing directory file %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.data = f
	d.mu.Unlock()
	return nil
}

// MembersOfRole implements Directory.
func (d *StaticDirectory) MembersOfRole(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.data.Roles[role]...), nil
}

// MembersOfTeam implements Directory.
func (d *StaticDirectory) MembersOfTeam(_ context.Context, team string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.data.Teams[team]...), nil
}

// RolesOf implements Directory.
func (d *StaticDirectory) RolesOf(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return groupsOf(d.data.Roles, userID), nil
}

// TeamsOf implements Directory.
func (d *StaticDirectory) TeamsOf(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return groupsOf(d.data.Teams, userID), nil
}

func groupsOf(groups map[string][]string, userID string) []string {
	var out []string
	for name, members := range groups {
		for _, m := range members {
			if m == userID {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
