// Package watcher provides the filesystem-change notification source used by
// reportwatch.
//
// A Subscription is scoped to a directory, optionally recursive, and filtered
// by operation and file extension. Delivery is best-effort: callers should
// treat an event as a prompt to re-read the directory rather than rely on
// exact ordering or on every change being reported once.
package watcher
