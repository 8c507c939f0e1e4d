// Package reconcile keeps platform roles in line with authorization records.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden.org/internal/authz"
	"warden.org/internal/clock"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
)

// RoleLookup resolves role ids for diffing.
type RoleLookup interface {
	Role(id string) (platform.Role, bool)
}

// Delta is the change needed to bring a member's roles to the desired set.
type Delta struct {
	Keep   []platform.Role
	Remove []platform.Role
	Add    []platform.Role
	// Missing holds desired role ids absent from the catalog.
	Missing []string
}

func (d Delta) Empty() bool { return len(d.Remove) == 0 && len(d.Add) == 0 }

func roleIDs(rs []platform.Role) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// Diff partitions held into kept and removed roles and lists the desired roles
// still to add. The protected role is always kept.
func Diff(held []string, desired authz.RoleSet, cat RoleLookup, protected string) Delta {
	var d Delta
	heldSet := make(map[string]bool, len(held))
	for _, id := range held {
		if heldSet[id] {
			continue
		}
		heldSet[id] = true
		r, ok := cat.Role(id)
		if !ok {
			r = platform.Role{ID: id}
		}
		switch {
		case id == protected, desired.Has(id):
			d.Keep = append(d.Keep, r)
		default:
			d.Remove = append(d.Remove, r)
		}
	}
	for _, id := range desired {
		if heldSet[id] || id == protected {
			continue
		}
		r, ok := cat.Role(id)
		if !ok {
			d.Missing = append(d.Missing, id)
			continue
		}
		d.Add = append(d.Add, r)
	}
	return d
}

// Engine applies deltas through the outward channel.
type Engine struct {
	out     platform.Outbound
	clock   clock.Clock
	pause   time.Duration
	backoff time.Duration
}

func NewEngine(out platform.Outbound, c clock.Clock, pause, backoff time.Duration) *Engine {
	if c == nil {
		c = clock.Real()
	}
	return &Engine{out: out, clock: c, pause: pause, backoff: backoff}
}

// Apply revokes then grants, pausing after each call. A failure for this
// member is logged and followed by the error backoff; only session loss and
// cancellation are returned.
func (e *Engine) Apply(ctx context.Context, m platform.Member, d Delta) error {
	log := obs.FromContext(ctx).With(obs.MemberID(m.ID), obs.MemberName(m.Name))
	for _, id := range d.Missing {
		log.Warn("desired role not in catalog, skipping", zap.String("role", id))
	}
	if d.Empty() {
		return nil
	}

	err := e.apply(ctx, m, d, log)
	switch {
	case err == nil:
		return nil
	case platform.IsSessionLost(err), ctx.Err() != nil:
		return err
	}
	log.Error("role update failed", obs.Err(err))
	return clock.Sleep(ctx, e.clock, e.backoff)
}

func (e *Engine) apply(ctx context.Context, m platform.Member, d Delta, log *zap.Logger) error {
	if len(d.Remove) > 0 {
		log.Info("removing roles", obs.Roles(roleIDs(d.Remove)))
		if err := e.out.RevokeRoles(ctx, m, d.Remove); err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		obs.RoleChanges("revoke", len(d.Remove))
		if err := clock.Sleep(ctx, e.clock, e.pause); err != nil {
			return err
		}
	}
	if len(d.Add) > 0 {
		m.Roles = roleIDs(d.Keep)
		log.Info("adding roles", obs.Roles(roleIDs(d.Add)))
		if err := e.out.GrantRoles(ctx, m, d.Add); err != nil {
			return fmt.Errorf("grant: %w", err)
		}
		obs.RoleChanges("grant", len(d.Add))
		if err := clock.Sleep(ctx, e.clock, e.pause); err != nil {
			return err
		}
	}
	return nil
}
