// Package registry is the shared address-keyed table of connection handles.
//
// Entries are never exposed for mutation; callers receive Handle values
// whose only capability is the command channel of one connection actor.
// A second registration for the same peer address supersedes the first,
// and removal is conditional on the connection id, so the displaced actor's
// exit cannot remove its successor's entry.
package registry
