package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPositive[T Number](number T, name string) error {
	if number < 1 {
		return cerrors.Errorf("%s must be a positive number, but is %d", name, number)
	}
	return nil
}

// CeilDiv divides value by divisor, rounding up. The page count of a process is the
// ceiling of its size over the frame size.
func CeilDiv(value int, divisor int) int {
	return (value + divisor - 1) / divisor
}
