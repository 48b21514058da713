package services

import "sync"

// Authorizer decides whether a requester may submit downloads
type Authorizer interface {
	IsAuthorized(requesterID int64) bool
}

// AllowAll authorizes every requester
type AllowAll struct{}

// IsAuthorized always returns true
func (AllowAll) IsAuthorized(int64) bool { return true }

// AccessList is a fixed admin set plus a mutable set of authorized users
type AccessList struct {
	admins map[int64]struct{}
	open   bool

	mu    sync.RWMutex
	users map[int64]struct{}
}

// NewAccessList creates an access list. With open set every requester is
// authorized and the user set only matters once open is off.
func NewAccessList(admins, users []int64, open bool) *AccessList {
	a := &AccessList{
		admins: make(map[int64]struct{}, len(admins)),
		users:  make(map[int64]struct{}, len(users)),
		open:   open,
	}
	for _, id := range admins {
		a.admins[id] = struct{}{}
	}
	for _, id := range users {
		a.users[id] = struct{}{}
	}
	return a
}

func (a *AccessList) IsAdmin(requesterID int64) bool {
	_, ok := a.admins[requesterID]
	return ok
}

func (a *AccessList) IsAuthorized(requesterID int64) bool {
	if a.open || a.IsAdmin(requesterID) {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[requesterID]
	return ok
}

// Authorize grants target access; only admins may call it
func (a *AccessList) Authorize(adminID, target int64) error {
	if !a.IsAdmin(adminID) {
		return ErrNotAdmin
	}
	a.mu.Lock()
	a.users[target] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Revoke removes target's access. Admins cannot be revoked.
func (a *AccessList) Revoke(adminID, target int64) error {
	if !a.IsAdmin(adminID) {
		return ErrNotAdmin
	}
	if a.IsAdmin(target) {
		return &ValidationError{Field: "user", Reason: "admins cannot be revoked"}
	}
	a.mu.Lock()
	delete(a.users, target)
	a.mu.Unlock()
	return nil
}

// Users returns the explicitly authorized ids
func (a *AccessList) Users() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]int64, 0, len(a.users))
	for id := range a.users {
		ids = append(ids, id)
	}
	return ids
}

// AdminCount returns the number of configured admins
func (a *AccessList) AdminCount() int {
	return len(a.admins)
}

// UserCount returns the number of explicitly authorized users
func (a *AccessList) UserCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

// OpenAccess reports whether every requester is authorized
func (a *AccessList) OpenAccess() bool {
	return a.open
}
