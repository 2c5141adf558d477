package core

import "errors"

var (
	ErrBatchNotFound     = errors.New("batch_not_found")
	ErrRecipientNotFound = errors.New("recipient_not_found")
	ErrRecipientMismatch = errors.New("recipient_mismatch")
	ErrInvalidTransition = errors.New("invalid_state_transition")
	ErrQuotaExceeded     = errors.New("quota_exceeded")
	ErrNoRecipients      = errors.New("no_recipients")
	ErrInvalidOutcome    = errors.New("invalid_outcome")
)
