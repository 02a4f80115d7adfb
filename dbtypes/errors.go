package dbtypes

import "errors"

// Errors shared by both store backends and surfaced to callers of the
// synchronous link operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrExpired       = errors.New("link code has expired")
	ErrAlreadyLinked = errors.New("caregiver is already linked to this patient")
)
