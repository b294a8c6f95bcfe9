//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=mocks/mock_directory.go -package=mocks

// Package membership answers "is this user a member of this team" for the
// chat server. Teams and members are owned by the team service; this package
// only reads them.
package membership

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Directory reports team membership.
type Directory interface {
	IsMember(ctx context.Context, userID, teamID int64) (bool, error)
}

// Team is a team and its member user ids as read from a seed file.
type Team struct {
	ID      int64   `yaml:"id"`
	Name    string  `yaml:"name"`
	Members []int64 `yaml:"members"`
}

type seedFile struct {
	Teams []Team `yaml:"teams"`
}

// StaticDirectory is an in-memory Directory, used for development and tests.
type StaticDirectory struct {
	mu      sync.RWMutex
	members map[int64]map[int64]struct{}
}

// NewStaticDirectory builds a directory from the given teams.
func NewStaticDirectory(teams ...Team) *StaticDirectory {
	d := &StaticDirectory{members: make(map[int64]map[int64]struct{})}
	for _, t := range teams {
		for _, u := range t.Members {
			d.Add(t.ID, u)
		}
	}
	return d
}

// LoadStaticDirectory reads a YAML seed file of the form
//
//	teams:
//	  - id: 1
//	    name: core
//	    members: [1, 2]
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read membership file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse membership file %s: %w", path, err)
	}
	return NewStaticDirectory(seed.Teams...), nil
}

// Add records userID as a member of teamID.
func (d *StaticDirectory) Add(teamID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.members[teamID]
	if !ok {
		set = make(map[int64]struct{})
		d.members[teamID] = set
	}
	set[userID] = struct{}{}
}

// Remove revokes userID's membership of teamID.
func (d *StaticDirectory) Remove(teamID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if set, ok := d.members[teamID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(d.members, teamID)
		}
	}
}

// IsMember implements Directory.
func (d *StaticDirectory) IsMember(_ context.Context, userID, teamID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.members[teamID][userID]
	return ok, nil
}
