package llm

import "errors"

// Chat failures are classified at the transport boundary so the retry
// loop knows which ones are worth repeating. Anything unclassified is
// treated as not retryable.
type classified struct {
	err       error
	retryable bool
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Transient marks an error as retryable: network faults, rate limits,
// upstream 5xx responses.
func Transient(err error) error {
	return &classified{err: err, retryable: true}
}

// Fatal marks an error as not retryable: malformed requests, auth
// failures, unknown providers.
func Fatal(err error) error {
	return &classified{err: err}
}

// Retryable reports whether err was marked transient.
func Retryable(err error) bool {
	var c *classified
	return errors.As(err, &c) && c.retryable
}
