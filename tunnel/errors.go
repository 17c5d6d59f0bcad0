package tunnel

import "fmt"

// RetryError holds every attempt's error when GetOrLaunch exhausts its retry
// budget, per spec.md §7: Error() reports the attempt count and the last
// attempt's error; Unwrap() []error (Go 1.20+ multi-unwrap) keeps errors.Is
// reaching individual causes.
type RetryError struct {
	Attempts []error
}

func (e *RetryError) Error() string {
	if len(e.Attempts) == 0 {
		return "tunnel: no attempts were made"
	}
	return fmt.Sprintf("tunnel: %d attempt(s) failed, last: %v", len(e.Attempts), e.Attempts[len(e.Attempts)-1])
}

func (e *RetryError) Unwrap() []error { return e.Attempts }
