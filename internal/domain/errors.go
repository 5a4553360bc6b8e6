package domain

import (
	"errors"
	"time"
)

// Error taxonomy. Services wrap these sentinels with goerr to attach
// identifiers; the transport layer maps them to wire-level codes with
// errors.Is.
var (
	ErrBadInput       = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrUpstream       = errors.New("upstream model call failed")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrRateLimited    = errors.New("rate limited")
)

// RateLimitInfo carries the concrete ceiling and remaining quota for a
// rate-limit rejection, plus a retry-after hint for sliding windows.
type RateLimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
