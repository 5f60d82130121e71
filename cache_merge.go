package livesync

// IdentityFunc returns the identity of a cached item.
type IdentityFunc[T any] func(T) string

// EqualFunc reports whether two items with the same identity carry the same content.
type EqualFunc[T any] func(a, b T) bool

// Change is what consumers of a key receive on every effective push.
type Change[T any] struct {
	Key      string
	Items    []T
	Added    []T
	Modified []T
	Removed  []string
	// Err is the sticky last error for the key; Items still holds the last good value.
	Err error
}

// Empty reports whether the change carries no item deltas.
func (c Change[T]) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// applyDelta returns a new collection with delta applied to prev. Order of
// prev is kept; added items with an unknown identity are appended, added
// items whose identity already exists replace it in place.
func applyDelta[T any](prev []T, d Delta[T], id IdentityFunc[T]) []T {
	removed := make(map[string]struct{}, len(d.Removed))
	for _, k := range d.Removed {
		removed[k] = struct{}{}
	}
	upserts := make(map[string]T, len(d.Added)+len(d.Modified))
	var order []string
	for _, group := range [][]T{d.Added, d.Modified} {
		for _, item := range group {
			k := id(item)
			if _, seen := upserts[k]; !seen {
				order = append(order, k)
			}
			upserts[k] = item
		}
	}

	next := make([]T, 0, len(prev)+len(order))
	present := make(map[string]struct{}, len(prev))
	for _, item := range prev {
		k := id(item)
		if _, gone := removed[k]; gone {
			continue
		}
		present[k] = struct{}{}
		if up, ok := upserts[k]; ok {
			next = append(next, up)
			continue
		}
		next = append(next, item)
	}
	for _, k := range order {
		if _, ok := present[k]; ok {
			continue
		}
		if _, gone := removed[k]; gone {
			continue
		}
		next = append(next, upserts[k])
	}
	return next
}

// diff computes the effective change from prev to next by identity.
func diff[T any](prev, next []T, id IdentityFunc[T], equal EqualFunc[T]) (added, modified []T, removed []string) {
	before := make(map[string]T, len(prev))
	for _, item := range prev {
		before[id(item)] = item
	}
	after := make(map[string]struct{}, len(next))
	for _, item := range next {
		k := id(item)
		after[k] = struct{}{}
		old, ok := before[k]
		switch {
		case !ok:
			added = append(added, item)
		case !equal(old, item):
			modified = append(modified, item)
		}
	}
	for _, item := range prev {
		k := id(item)
		if _, ok := after[k]; !ok {
			removed = append(removed, k)
		}
	}
	return added, modified, removed
}
