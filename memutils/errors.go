package memutils

import "github.com/pkg/errors"

// ErrInsufficientMemory is the error returned when no free region is large enough to
// satisfy an allocation request
var ErrInsufficientMemory error = errors.New("not enough memory")

// ErrInsufficientFrames is the error returned when fewer free frames remain than an
// allocation request requires
var ErrInsufficientFrames error = errors.New("not enough free frames")
