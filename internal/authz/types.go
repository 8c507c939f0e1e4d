package authz

// Window is a preferred ping window in whole hours, 0..24. Start == Stop == 0
// means always on.
type Window struct {
	Start int
	Stop  int
}

// Record links a platform member to an internal account.
type Record struct {
	MemberID string
	UserID   int64
	Window   Window
	// BaseRoles are platform role ids granted through group membership.
	BaseRoles []string
}

// Snapshot is the set of authorization records read in one tick.
type Snapshot map[string]Record

// Lookup returns the record for memberID, if the member is authorized.
func (s Snapshot) Lookup(memberID string) (Record, bool) {
	r, ok := s[memberID]
	return r, ok
}

// Escalations maps a base role id to the role id granted on top of it while
// the member's window is active.
type Escalations map[string]string

// RoleSet is an ordered set of role ids. Order follows insertion.
type RoleSet []string

// Has reports whether id is in the set.
func (s RoleSet) Has(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

func (s RoleSet) add(id string) RoleSet {
	if id == "" || s.Has(id) {
		return s
	}
	return append(s, id)
}

// Character is the in-game identity behind an internal account.
type Character struct {
	ID   int64
	Name string
	Corp string
}
