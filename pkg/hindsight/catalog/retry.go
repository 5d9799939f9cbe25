package catalog

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// contentionPolicy controls retries of transient SQLite errors. WAL mode lets
// the CLI and the daemon share the database, and busy_timeout covers most
// lock waits, but SQLITE_LOCKED and short reads still surface under load.
type contentionPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultContention = contentionPolicy{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransient reports whether err is a SQLite error that can succeed on retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn until it succeeds, fails permanently, exhausts the
// policy or ctx is done.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryWith(ctx, defaultContention, fn)
}

func retryWith(ctx context.Context, p contentionPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(contentionDelay(p, attempt)):
		}
	}
	return lastErr
}

// contentionDelay is baseDelay*2^attempt capped at maxDelay, plus up to one
// baseDelay of jitter.
func contentionDelay(p contentionPolicy, attempt int) time.Duration {
	delay := p.baseDelay << uint(attempt)
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay + time.Duration(rand.Int64N(int64(p.baseDelay)))
}
