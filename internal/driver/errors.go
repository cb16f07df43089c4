package driver

import "errors"

// Fatal per-turn errors. Everything else the detector can hit (no answer,
// ceiling expiry) is a soft Outcome, not an error: a partial answer is
// still useful to the caller.
var (
	// ErrChallengeTimeout means the "please wait" challenge page never
	// resolved within its window. Retried only by a fresh top-level call.
	ErrChallengeTimeout = errors.New("stuck on challenge page")

	// ErrNotAuthenticated means a login indicator is visible: the stored
	// session has expired and needs a manual re-login. Never retried
	// automatically.
	ErrNotAuthenticated = errors.New("not logged in to the remote app")

	// ErrInputNotFound means the prompt input never became visible after
	// navigation.
	ErrInputNotFound = errors.New("prompt input not found")
)
