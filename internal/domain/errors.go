package domain

import "errors"

var (
	// ErrInvalidRequest marks missing or malformed request fields.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPayloadTooLarge is returned when an attachment exceeds the size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrTooManyFiles is returned when a request carries more attachments than allowed.
	ErrTooManyFiles = errors.New("too many files")
	// ErrSessionNotReady is returned by a Messenger asked to send before its session is ready.
	ErrSessionNotReady = errors.New("messaging session not ready")
	// ErrInvalidRecipient is returned when a chat ID cannot be addressed.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrNotStarted is returned by a Messenger used before Start.
	ErrNotStarted = errors.New("messaging session not started")
)
