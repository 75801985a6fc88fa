package domain

const DefaultMaxAttempts = 3

// RetryPolicy decides where a record goes after a failed delivery attempt.
type RetryPolicy struct {
	MaxAttempts int
}

func NewRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{MaxAttempts: maxAttempts}
}

// StatusAfterFailure returns the status for a record whose attempt counter has
// already been incremented to attempts.
func (p RetryPolicy) StatusAfterFailure(attempts int) Status {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempts < maxAttempts {
		return StatusPending
	}
	return StatusFailed
}
