package queue

import "context"

type attemptKey struct{}

// Attempt describes where a job delivery sits in its retry budget.
type Attempt struct {
	// Number is the 1-based delivery attempt.
	Number int
	// Max is the total delivery budget.
	Max int
}

// Final reports whether this is the last delivery before exhaustion.
func (a Attempt) Final() bool {
	return a.Number >= a.Max
}

// WithAttempt attaches delivery attempt metadata to a handler context.
// The runner sets it on every dispatch; tests can use it to exercise
// final-attempt behavior directly.
func WithAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFromContext returns the delivery attempt for the running
// handler. Handlers use it to take terminal action, such as recording a
// barrier failure marker, when no further retries will come.
func AttemptFromContext(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}
