// Package permission resolves organization-scoped permissions.
//
// A [Membership] binds a user to an organization with a primitive role name,
// optional explicit permission strings and an optional custom [Role]. The
// effective permission set is the union of the explicit permissions and the
// role's permissions. The owner role and the "*" wildcard grant everything.
//
// # Architecture boundaries
//
// This package is pure in-memory logic with no I/O. Membership lookup is the
// caller's job (see store.Memberships).
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import authcore, jwt, or session.
package permission
