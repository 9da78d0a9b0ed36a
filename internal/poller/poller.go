// Package poller runs the timer-driven wait loop over a non-blocking
// job status read. Cancelling or timing out the loop never cancels the
// underlying job; a new loop can re-attach to it later.
package poller

import (
	"context"
	"fmt"
	"time"
)

// MinInterval is the floor for the poll interval regardless of config.
const MinInterval = 500 * time.Millisecond

// Status is the result of one poll.
type Status struct {
	Terminal bool
	Progress int
	Message  string
}

// PollFunc performs one prompt, non-blocking status read.
type PollFunc func(ctx context.Context) (Status, error)

// Options control one Wait loop.
type Options struct {
	// InitialDelay before the first poll. Uploads finish fast and use a
	// short delay; segmentation and analysis use a longer one.
	InitialDelay time.Duration
	// Interval between polls, floored at MinInterval.
	Interval time.Duration
	// MaxTransientFailures caps consecutive failed polls before the
	// loop escalates. Zero means 1.
	MaxTransientFailures int
	// Timeout bounds the whole loop. Zero disables it. Expiry abandons
	// observation only; the job keeps running upstream.
	Timeout time.Duration
	// OnProgress is invoked after every successful poll.
	OnProgress func(progress int, message string)
}

// TransientFailuresError reports that consecutive polls failed more
// times than the configured cap.
type TransientFailuresError struct {
	Count int
	Last  error
}

func (e *TransientFailuresError) Error() string {
	return fmt.Sprintf("%d consecutive poll failures, last: %v", e.Count, e.Last)
}

func (e *TransientFailuresError) Unwrap() error { return e.Last }

// TimeoutError reports that the loop's wall-clock budget expired before
// the job turned terminal.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gave up waiting after %s; the job may still complete", e.After)
}

// Wait polls fn until it reports a terminal status. It returns nil on a
// terminal result (the caller reads the outcome from its own state),
// a TransientFailuresError or TimeoutError on escalation, or the
// context error on cancellation.
func Wait(ctx context.Context, fn PollFunc, opts Options) error {
	interval := opts.Interval
	if interval < MinInterval {
		interval = MinInterval
	}
	maxFailures := opts.MaxTransientFailures
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.InitialDelay > 0 {
		if err := sleep(ctx, opts.InitialDelay); err != nil {
			return timeoutOr(err, opts.Timeout)
		}
	}

	failures := 0
	for {
		st, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return timeoutOr(ctx.Err(), opts.Timeout)
			}
			failures++
			if failures >= maxFailures {
				return &TransientFailuresError{Count: failures, Last: err}
			}
		} else {
			failures = 0
			if opts.OnProgress != nil {
				opts.OnProgress(st.Progress, st.Message)
			}
			if st.Terminal {
				return nil
			}
		}
		if err := sleep(ctx, interval); err != nil {
			return timeoutOr(err, opts.Timeout)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func timeoutOr(err error, timeout time.Duration) error {
	if err == context.DeadlineExceeded && timeout > 0 {
		return &TimeoutError{After: timeout}
	}
	return err
}
