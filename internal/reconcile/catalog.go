package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"warden.org/internal/authz"
	"warden.org/internal/platform"
)

// ErrUnknownRole is returned when a role id or name is not in the catalog.
var ErrUnknownRole = errors.New("reconcile: unknown role")

// RoleLister is the part of the platform session the catalog reads.
type RoleLister interface {
	Roles(ctx context.Context) ([]platform.Role, string, error)
}

// Catalog maps role ids to platform roles. It is rebuilt wholesale and never
// mutated in place, so lookups between rebuilds are stable.
type Catalog struct {
	lister RoleLister
	flight singleflight.Group

	mu        sync.RWMutex
	byID      map[string]platform.Role
	byName    map[string]platform.Role
	protected string
}

func NewCatalog(l RoleLister) *Catalog {
	return &Catalog{lister: l, byID: map[string]platform.Role{}, byName: map[string]platform.Role{}}
}

// Refresh rebuilds the catalog. Concurrent callers share one fetch.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do("roles", func() (any, error) {
		roles, protected, err := c.lister.Roles(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: list roles: %w", err)
		}
		byID := make(map[string]platform.Role, len(roles))
		byName := make(map[string]platform.Role, len(roles))
		for _, r := range roles {
			byID[r.ID] = r
			if _, dup := byName[r.Name]; !dup {
				byName[r.Name] = r
			}
		}
		c.mu.Lock()
		c.byID, c.byName, c.protected = byID, byName, protected
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Role returns the role with id.
func (c *Catalog) Role(id string) (platform.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	return r, ok
}

// Resolve accepts a role id or a role name.
func (c *Catalog) Resolve(ref string) (platform.Role, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.byID[ref]; ok {
		return r, nil
	}
	if r, ok := c.byName[ref]; ok {
		return r, nil
	}
	return platform.Role{}, fmt.Errorf("%w: %s", ErrUnknownRole, ref)
}

// Protected returns the id of the default role every member holds.
func (c *Catalog) Protected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protected
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// ResolveEscalations turns base->escalated role references (ids or names)
// into an id map. Unresolvable entries are skipped and reported together.
func (c *Catalog) ResolveEscalations(pairs map[string]string) (authz.Escalations, error) {
	out := make(authz.Escalations, len(pairs))
	var errs []error
	for base, esc := range pairs {
		b, err := c.Resolve(base)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e, err := c.Resolve(esc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[b.ID] = e.ID
	}
	return out, errors.Join(errs...)
}
