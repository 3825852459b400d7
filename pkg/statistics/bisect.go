package statistics

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Bisect when the predicate is false for every
// item.
var ErrNotFound = errors.New("predicate is never true")

// Bisect returns the lowest index i for which pred(items[i]) is true. pred must
// be a step function over items: false for a prefix and true afterwards.
// Errors from pred are returned as is.
func Bisect[T any](ctx context.Context, items []T, pred func(context.Context, T) (bool, error)) (int, error) {
	lo, hi := 0, len(items)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		ok, err := pred(ctx, items[mid])
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == len(items) {
		return 0, ErrNotFound
	}
	return lo, nil
}
