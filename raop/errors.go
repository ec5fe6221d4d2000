package raop

import "errors"

// ErrBindAllFailed means every address family failed to bind; fatal per
// spec.md 7.
var ErrBindAllFailed = errors.New("raop: failed to bind any listening socket")
