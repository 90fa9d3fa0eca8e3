package repository

import "errors"

// Sentinel errors shared by all repository implementations, so services can
// branch with errors.Is instead of matching message text.
var (
	ErrNotFound  = errors.New("repository: record not found")
	ErrDuplicate = errors.New("repository: record already exists")
)
