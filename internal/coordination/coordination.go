// Package coordination implements the multi-agent primitives that ride
// on the shared relational store: the session/agent registry, the file
// lock manager, the task progress tracker, and the broadcast messenger.
//
// Lock conflicts are results, not errors: callers get back which paths
// were granted and which are held by someone else, and decide for
// themselves whether to retry or work elsewhere. Only malformed input
// is an error here.
package coordination

import "errors"

// ErrValidation indicates malformed input: an empty path list, an
// unknown operation, an out-of-range percentage.
var ErrValidation = errors.New("validation error")
