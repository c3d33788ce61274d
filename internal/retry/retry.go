// Package retry implements the exponential backoff applied to failed transfers.
//
// The delay before attempt n is Base * 2^(n-1), capped at Max. A State counts
// consecutive failures and is reset by any forward progress.
package retry

import "time"

// Policy defines backoff behavior.
type Policy struct {
	// MaxAttempts is the number of retries allowed before giving up.
	MaxAttempts int

	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps a single delay. Zero means no cap.
	Max time.Duration
}

// DefaultPolicy returns five attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        time.Second,
		Max:         5 * time.Minute,
	}
}

// Delay returns the backoff before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := p.Base * time.Duration(1<<uint(shift))
	if d < 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	return d
}

// State tracks consecutive failed attempts under a Policy.
// It is not safe for concurrent use.
type State struct {
	policy  Policy
	attempt int
}

// NewState returns a State with no recorded attempts.
func NewState(p Policy) *State {
	return &State{policy: p}
}

// Attempt returns the number of retries scheduled since the last reset.
func (s *State) Attempt() int {
	return s.attempt
}

// Policy returns the policy the state was built with.
func (s *State) Policy() Policy {
	return s.policy
}

// Next records a failure. It returns the delay before the retry, or false
// once MaxAttempts retries have been used.
func (s *State) Next() (time.Duration, bool) {
	if s.attempt >= s.policy.MaxAttempts {
		return 0, false
	}
	s.attempt++
	return s.policy.Delay(s.attempt), true
}

// Reset clears the attempt counter.
func (s *State) Reset() {
	s.attempt = 0
}
