package static

import (
	"context"
	"fmt"
	"sync/atomic"
	"colossus/lib/core"
)

// Group is a value type that represents a logical group of clients.
type Group struct {
	key string
}

// String returns a string representation of the Group
func (g Group) String() string {
	return fmt.Sprintf("<Group %s>", g.key)
}

// NewGroup returns a logical client group with the given name.
func NewGroup(groupName string) Group {
	return Group{key: groupName}
}

// UGroup is a value type that represents a logical group of upstreams.
type UGroup struct {
	key string
}

// String returns a string representation of the UGroup
func (g UGroup) String() string {
	return fmt.Sprintf("<UGroup %s>", g.key)
}

// NewUGroup returns a logical upstream group with the given name.
func NewUGroup(uGroupName string) UGroup {
	return UGroup{key: uGroupName}
}

// Config defines the authorization data
// required by an Authorizer.
type Config struct {
	GroupsByClientID  map[core.ClientID][]Group
	UGroupsByGroup    map[Group][]UGroup
	UpstreamsByUGroup map[UGroup]core.UpstreamSet
}

// Authorizer is a static forwarding authorization policy that
// controls which clients are allowed to forward connections to which upstreams.
//
// Authorization data lives locally in memory, and it can be swapped out
// at runtime with Reload, so an operator can push a
// fresh Config without restarting the colossus process or interrupting
// connections mid-forward.
//
// Multiple goroutines may invoke methods on an Authorizer simultaneously.
type Authorizer struct {
	config atomic.Pointer[Config]
}

// NewStaticAuthorizer creates a new static Authorizer from the given config.
func NewStaticAuthorizer(config Config) *Authorizer {
	a := &Authorizer{}
	a.config.Store(&config)
	return a
}

// Reload atomically replaces the Authorizer's Config. In-flight calls to
// AuthorizedUpstreams either observe the old or the new Config in full;
// they never observe a partial mix of the two.
func (a *Authorizer) Reload(config Config) {
	a.config.Store(&config)
}

func (a *Authorizer) AuthorizedUpstreams(ctx context.Context, c core.ClientID) (core.UpstreamSet, error) {
	cfg := a.config.Load()
	result := core.EmptyUpstreamSet()
	groups, exists := cfg.GroupsByClientID[c]
	if !exists {
		return result, nil
	}
	for _, g := range groups {
		ugroups, exists := cfg.UGroupsByGroup[g]
		if !exists {
			continue
		}
		for _, ug := range ugroups {
			us, exists := cfg.UpstreamsByUGroup[ug]
			if !exists {
				continue
			}
			result = core.UnionUpdate(result, us)
		}
	}
	return result, nil
}
