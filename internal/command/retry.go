package command

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// aptLockSignatures are stderr fragments printed when another apt or dpkg
// process holds the package database lock.
var aptLockSignatures = []string{
	"Could not get lock",
	"Unable to lock",
	"dpkg frontend lock",
}

// RetryPolicy bounds RunWithRetry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration

	// Retryable decides whether a failed result is worth another attempt.
	// Nil selects IsLockContention.
	Retryable func(Result) bool
}

// IsLockContention reports whether a failure was caused by the package
// manager lock being held.
func IsLockContention(r Result) bool {
	if r.OK() || r.TimedOut || r.StartErr != nil {
		return false
	}
	for _, sig := range aptLockSignatures {
		if strings.Contains(r.Stderr, sig) || strings.Contains(r.Stdout, sig) {
			return true
		}
	}
	return false
}

// RunWithRetry runs c until it succeeds, fails with a non-retryable result
// or runs out of attempts. Waiting between attempts honours ctx.
//
// When the final attempt still matches the policy, StartErr is set to an
// error wrapping ErrTransient so Err reports the exhausted retries.
func RunWithRetry(ctx context.Context, r Runner, c Command, p RetryPolicy) Result {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsLockContention
	}

	var res Result
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res = r.Run(ctx, c)
		res.Attempts = attempt
		if res.OK() || !retryable(res) {
			return res
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.StartErr = ctx.Err()
			return res
		case <-timer.C:
		}
	}

	res.StartErr = fmt.Errorf("%w: %s failed %d times: %v",
		ErrTransient, c.Name, res.Attempts, (&ExitError{Code: res.ExitCode, Stderr: res.Stderr}).Error())
	return res
}
