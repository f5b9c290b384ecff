package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNotParticipant indicates a user is not one of the conversation's two participants.
	ErrNotParticipant = errors.New("storage: user is not a participant in the conversation")
	// ErrInvalidArgument indicates a request failed validation before touching the database.
	ErrInvalidArgument = errors.New("storage: invalid argument")
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// orderedPair returns the two participant ids in storage order.
func orderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
