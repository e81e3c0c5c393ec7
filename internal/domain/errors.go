package domain

import "errors"

// ErrNotFound is returned by JobStore lookups for unknown jobs or steps.
var ErrNotFound = errors.New("not found")
