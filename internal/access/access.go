// Package access provides the authorization predicates that gate rule
// mutations.
package access

import "context"

// Authorizer decides whether owner may change redirection rules.
type Authorizer interface {
	Authorized(ctx context.Context, owner int64) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, owner int64) bool

func (f AuthorizerFunc) Authorized(ctx context.Context, owner int64) bool {
	return f(ctx, owner)
}

// AllowAll authorizes every owner.
type AllowAll struct{}

func (AllowAll) Authorized(context.Context, int64) bool { return true }

// StaticList authorizes admins always and owners from an allow list. An
// empty Owners list allows everyone.
type StaticList struct {
	admins map[int64]struct{}
	owners map[int64]struct{}
}

func NewStaticList(admins, owners []int64) *StaticList {
	l := &StaticList{
		admins: make(map[int64]struct{}, len(admins)),
		owners: make(map[int64]struct{}, len(owners)),
	}
	for _, id := range admins {
		l.admins[id] = struct{}{}
	}
	for _, id := range owners {
		l.owners[id] = struct{}{}
	}
	return l
}

// IsAdmin reports whether owner is on the admin list.
func (l *StaticList) IsAdmin(owner int64) bool {
	_, ok := l.admins[owner]
	return ok
}

func (l *StaticList) Authorized(_ context.Context, owner int64) bool {
	if l.IsAdmin(owner) || len(l.owners) == 0 {
		return true
	}
	_, ok := l.owners[owner]
	return ok
}
