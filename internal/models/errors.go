package models

import "errors"

// Retrieval errors
var (
	ErrNavigation       = errors.New("portal navigation failed")
	ErrAnchorTimeout    = errors.New("page anchor did not become interactable")
	ErrArtifactTimeout  = errors.New("generated document was not received")
	ErrNoEligibleLines  = errors.New("portal reported no eligible charge lines")
	ErrInvalidArtifact  = errors.New("generated document is not a valid PDF")
	ErrRetriesExhausted = errors.New("retry limit exceeded")
	ErrPoolTimeout      = errors.New("timed out waiting for a browser context")
	ErrPoolClosed       = errors.New("browser pool is shut down")
)

// Messaging errors
var (
	ErrSessionNotReady       = errors.New("messaging session is not ready")
	ErrAuthenticationFailure = errors.New("messaging pairing was rejected")
	ErrRecipientUnreachable  = errors.New("recipient is not reachable on the messaging network")
	ErrSessionNotFound       = errors.New("no messaging session for tenant")
)

// Storage errors
var (
	ErrFileNotFound = errors.New("file not found")
)

// Batch errors
var (
	ErrInvalidBatchRequest = errors.New("invalid batch request")
)

// Queue errors
var (
	ErrQueueExhausted = errors.New("job failed after all queue attempts")
	ErrNoMessage      = errors.New("no messages in queue")
)
