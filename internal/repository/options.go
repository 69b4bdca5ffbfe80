package repository

import (
	"errors"
	"time"
)

var (
	ErrEventNotFound   = errors.New("outbox event not found")
	ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")
)

// maxErrorMessage bounds the stored failure reason.
const maxErrorMessage = 2000

type options struct {
	now        func() time.Time
	owner      string
	lease      time.Duration
	backoff    time.Duration
	backoffMax time.Duration
}

// Option tunes an outbox store.
type Option func(*options)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLease makes FindPending claim the rows it returns for d on behalf of
// owner, hiding them from other dispatchers until marked or until the lease
// expires. d <= 0 disables claiming.
func WithLease(owner string, d time.Duration) Option {
	return func(o *options) {
		o.owner = owner
		o.lease = d
	}
}

// WithBackoff delays a failed record's next attempt by base*2^(n-1) after
// its n-th failure, capped at max. base <= 0 keeps fixed per-poll retries.
func WithBackoff(base, max time.Duration) Option {
	return func(o *options) {
		o.backoff = base
		o.backoffMax = max
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) clock() time.Time {
	// UTC with microsecond precision matches DATETIME(6) and keeps SQLite's
	// textual timestamps comparable.
	return o.now().UTC().Truncate(time.Microsecond)
}

// nextAttempt returns when a record that just failed for the n-th time may be
// retried, or nil when backoff is disabled.
func (o options) nextAttempt(now time.Time, failures int) *time.Time {
	if o.backoff <= 0 || failures <= 0 {
		return nil
	}
	d := o.backoff
	for i := 1; i < failures; i++ {
		d *= 2
		if o.backoffMax > 0 && d >= o.backoffMax {
			d = o.backoffMax
			break
		}
	}
	if o.backoffMax > 0 && d > o.backoffMax {
		d = o.backoffMax
	}
	t := now.Add(d)
	return &t
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	return msg[:maxErrorMessage]
}
