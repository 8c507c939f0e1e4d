package reconcile

import (
	"context"
	"sync"

	"warden.org/internal/authz"
	"warden.org/internal/platform"
)

type call struct {
	op     string
	member string
	held   []string
	roles  []string
}

type fakeOutbound struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeOutbound) record(op string, m platform.Member, roles []platform.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, member: m.ID, held: append([]string(nil), m.Roles...), roles: roleIDs(roles)})
	return f.err
}

func (f *fakeOutbound) GrantRoles(_ context.Context, m platform.Member, roles []platform.Role) error {
	return f.record("grant", m, roles)
}

func (f *fakeOutbound) RevokeRoles(_ context.Context, m platform.Member, roles []platform.Role) error {
	return f.record("revoke", m, roles)
}

func (f *fakeOutbound) Send(context.Context, string, string) error { return nil }

func (f *fakeOutbound) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeRoles struct {
	mu        sync.Mutex
	roles     []platform.Role
	protected string
	calls     int
	err       error
}

func (f *fakeRoles) Roles(context.Context) ([]platform.Role, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.roles, f.protected, f.err
}

type fakeMembers struct {
	members []platform.Member
	err     error
}

func (f *fakeMembers) Members(context.Context) ([]platform.Member, error) {
	return f.members, f.err
}

type fakeSource struct {
	snap authz.Snapshot
	err  error
}

func (f *fakeSource) Authorizations(context.Context) (authz.Snapshot, error) {
	return f.snap, f.err
}

type fakePrompter struct {
	prompted  []string
	listened  []string
	forgotten []string
}

func (f *fakePrompter) Prompt(_ context.Context, m platform.Member) error {
	f.prompted = append(f.prompted, m.ID)
	return nil
}

func (f *fakePrompter) Listen(_ context.Context, m platform.Member) error {
	f.listened = append(f.listened, m.ID)
	return nil
}

func (f *fakePrompter) Forget(memberID string) {
	f.forgotten = append(f.forgotten, memberID)
}

func testCatalog(roles ...string) *Catalog {
	rs := make([]platform.Role, 0, len(roles))
	for _, r := range roles {
		rs = append(rs, platform.Role{ID: r, Name: "name-" + r})
	}
	c := NewCatalog(&fakeRoles{roles: append(rs, platform.Role{ID: "default", Name: "@everyone"}), protected: "default"})
	if err := c.Refresh(context.Background()); err != nil {
		panic(err)
	}
	return c
}
