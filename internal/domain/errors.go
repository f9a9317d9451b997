package domain

import "errors"

// ErrNotFound is returned by stores when a keyed item does not exist.
var ErrNotFound = errors.New("not found")
