package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned by updates that target a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition means the row was no longer in a state the transition may leave.
	ErrStaleTransition = errors.New("stale status transition")
	// ErrDuplicateUser is returned when the username or email is taken.
	ErrDuplicateUser = errors.New("username or email already exists")
)

// MaxDownloadAttempts is how many failed storage copies a track or stem gets
// before the storage sync stops picking it up.
const MaxDownloadAttempts = 5

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
