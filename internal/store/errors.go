package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by every entity-specific lookup failure.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate means a unique key is already taken.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity means a row was rejected by a database constraint.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed wraps commit failures.
	ErrTransactionFailed = errors.New("transaction failed")

	ErrUnitNotFound       = fmt.Errorf("%w: work unit", ErrNotFound)
	ErrDatasetNotFound    = fmt.Errorf("%w: dataset", ErrNotFound)
	ErrCollectionNotFound = fmt.Errorf("%w: collection", ErrNotFound)
	ErrJobNotFound        = fmt.Errorf("%w: job", ErrNotFound)
)

// IsNotFoundError reports whether err is any of the not-found errors.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
