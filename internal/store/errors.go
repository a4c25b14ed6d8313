package store

import "errors"

// ErrNotFound is returned by single-row lookups that find nothing,
// mirroring the teacher's sentinel-error style in internal/storage/errors.go.
var ErrNotFound = errors.New("store: not found")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
