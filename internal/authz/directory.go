package authz

import (
	"context"
	"sort"
	"strings"
	"sync"

	"chat-core/internal/chat"
)

// StaticDirectory is an in-process identity directory for development,
// single-node deployments and tests.
type StaticDirectory struct {
	mu         sync.RWMutex
	users      map[string]int64
	groups     map[string]int64
	members    map[int64]map[int64]struct{}
	userGroups map[int64]map[int64]struct{}
}

var _ chat.Directory = (*StaticDirectory)(nil)

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		users:      make(map[string]int64),
		groups:     make(map[string]int64),
		members:    make(map[int64]map[int64]struct{}),
		userGroups: make(map[int64]map[int64]struct{}),
	}
}

// AddUser registers a username.
func (d *StaticDirectory) AddUser(id int64, username string) *StaticDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[strings.ToLower(username)] = id
	return d
}

// AddGroup registers a group and adds members to it.
func (d *StaticDirectory) AddGroup(id int64, name string, members ...int64) *StaticDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[strings.ToLower(name)] = id
	if d.members[id] == nil {
		d.members[id] = make(map[int64]struct{})
	}
	for _, userID := range members {
		d.members[id][userID] = struct{}{}
		if d.userGroups[userID] == nil {
			d.userGroups[userID] = make(map[int64]struct{})
		}
		d.userGroups[userID][id] = struct{}{}
	}
	return d
}

// RemoveMember drops a user from a group.
func (d *StaticDirectory) RemoveMember(groupID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[groupID], userID)
	delete(d.userGroups[userID], groupID)
}

func (d *StaticDirectory) GroupsOf(_ context.Context, userID int64) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.userGroups[userID]), nil
}

func (d *StaticDirectory) MembersOf(_ context.Context, groupID int64) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.members[groupID]), nil
}

func (d *StaticDirectory) Lookup(_ context.Context, names []string) (map[string]int64, map[string]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make(map[string]int64)
	groups := make(map[string]int64)
	for _, name := range names {
		if id, ok := d.users[name]; ok {
			users[name] = id
		}
		if id, ok := d.groups[name]; ok {
			groups[name] = id
		}
	}
	return users, groups, nil
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
