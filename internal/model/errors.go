package model

import (
	"errors"
	"fmt"
)

// ErrSync signals that a remote operation could not complete right now and
// should be retried later. It carries no payload; the caller already holds
// the event needed to stage a retry.
var ErrSync = errors.New("calendar sync failed")

// ErrCredentials signals rejected or missing credentials. It is never staged.
var ErrCredentials = errors.New("calendar credentials not valid")

// ErrReadOnly is returned by backends that cannot mutate their source.
var ErrReadOnly = errors.New("calendar is read-only")

// ErrNotFound is returned when the remote object no longer exists.
var ErrNotFound = errors.New("remote object not found")

// SyncError wraps the transport failure behind an ErrSync.
type SyncError struct {
	Op  string
	Err error
}

func NewSyncError(op string, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, ErrSync)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrSync, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	return target == ErrSync
}

// IsSyncError reports whether err should be staged for a later retry.
func IsSyncError(err error) bool {
	return errors.Is(err, ErrSync)
}
