package storage

import "errors"

// ErrDuplicate is returned when a request id is already stored.
var ErrDuplicate = errors.New("proof request already exists")
