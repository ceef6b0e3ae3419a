package chat

import "errors"

var (
	ErrInvalidProvider  = errors.New("provider config missing or disabled")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrSessionForbidden = errors.New("session not found or not accessible")
)

// ApologyText is stored as the assistant reply when the provider call fails.
const ApologyText = "Sorry, the AI service failed to respond."
