package domain

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrNotFound             = errors.New("not found")
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionNotJoinable   = errors.New("session not joinable")
	ErrSessionLocked        = errors.New("session locked")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrIdentityRequired     = errors.New("identity required")
	ErrLimitExceeded        = errors.New("spending limit exceeded")
	ErrInvalidSplit         = errors.New("invalid split")
	ErrHasPendingItems      = errors.New("participant has pending items")
	ErrCodeGenerationFailed = errors.New("invite code generation failed")
	ErrVersionConflict      = errors.New("version conflict")
)
