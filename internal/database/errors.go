package database

import "errors"

// Sentinel errors surfaced by the store. Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("illegal state transition")
	ErrDuplicateApplication = errors.New("an application for this job already exists in the campaign")
	ErrConflict             = errors.New("concurrent update conflict")
	ErrUnavailable          = errors.New("record store unavailable")
)
