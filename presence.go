package chatsync

import (
	"strings"

	"golang.org/x/text/cases"
)

// PresenceDirectory maps usernames to the presence last reported by a roster
// push. It never holds the local user.
//
// PresenceDirectory is not safe for concurrent use; the Session serializes
// access.
type PresenceDirectory struct {
	local string
	order []string
	users map[string]User
	fold  cases.Caser
}

// NewPresenceDirectory creates an empty directory for the given local user.
func NewPresenceDirectory(local string) *PresenceDirectory {
	return &PresenceDirectory{
		local: local,
		users: make(map[string]User),
		fold:  cases.Fold(),
	}
}

// Reset empties the directory and sets a new local user.
func (p *PresenceDirectory) Reset(local string) {
	p.local = local
	p.order = nil
	p.users = make(map[string]User)
}

// ApplyRosterPush replaces the whole directory with users, minus the local
// user, and returns the usernames that were not present before.
func (p *PresenceDirectory) ApplyRosterPush(users []User) []string {
	prev := p.users
	p.users = make(map[string]User, len(users))
	p.order = p.order[:0]

	var added []string
	for _, u := range users {
		if u.Username == "" || u.Username == p.local {
			continue
		}
		if _, dup := p.users[u.Username]; !dup {
			p.order = append(p.order, u.Username)
		}
		p.users[u.Username] = u
		if _, known := prev[u.Username]; !known {
			added = append(added, u.Username)
		}
	}
	return added
}

// Get returns the presence record for username.
func (p *PresenceDirectory) Get(username string) (User, bool) {
	u, ok := p.users[username]
	return u, ok
}

// IsOnline reports whether username was online in the last roster.
func (p *PresenceDirectory) IsOnline(username string) bool {
	return p.users[username].Online
}

// Len returns the number of known peers.
func (p *PresenceDirectory) Len() int {
	return len(p.users)
}

// List returns the roster in push order.
func (p *PresenceDirectory) List() []User {
	out := make([]User, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.users[name])
	}
	return out
}

// Usernames returns the known usernames in push order.
func (p *PresenceDirectory) Usernames() []string {
	return append([]string(nil), p.order...)
}

// Search returns the users whose name contains term, ignoring case. An empty
// term matches everyone.
func (p *PresenceDirectory) Search(term string) []User {
	term = strings.TrimSpace(term)
	if term == "" {
		return p.List()
	}
	needle := p.fold.String(term)
	var out []User
	for _, name := range p.order {
		if strings.Contains(p.fold.String(name), needle) {
			out = append(out, p.users[name])
		}
	}
	return out
}
