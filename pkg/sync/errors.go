package sync

import "errors"

// Error taxonomy for the engine. None of these are fatal to the host
// process: transient errors wait for an explicit user resend, malformed
// events are dropped individually, lookup misses are soft no-ops and
// duplicates are swallowed.
var (
	ErrTransient      = errors.New("transient network failure")
	ErrMalformedEvent = errors.New("malformed event")
	ErrNotFound       = errors.New("no matching record")
	ErrDuplicate      = errors.New("duplicate event")
	ErrChatGone       = errors.New("chat no longer exists")
)
