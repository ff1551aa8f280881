package catalog

import "errors"

// ErrTemporarilyOffline is returned by Store methods in place of a bare nil
// result to mean "the store is temporarily unavailable" (spec.md §4.B). A
// normal empty result is a plain nil error with a zero-value/empty slice,
// never this sentinel.
var ErrTemporarilyOffline = errors.New("catalog: store temporarily offline")

// ErrPermissionDenied is returned by Store methods that enforce the
// metagroup permission gate or a moderation/ownership check.
var ErrPermissionDenied = errors.New("catalog: permission denied")

// ErrNotFound indicates the named catalog, message, or identity does not
// exist. Most Store methods prefer a (nil, nil) "not found" result per
// spec.md §4.B, but ErrNotFound is used where a more specific method
// signature makes that ambiguous (e.g. CancelMessage).
var ErrNotFound = errors.New("catalog: not found")
