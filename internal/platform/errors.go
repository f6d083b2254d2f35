package platform

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel classifications of API failures. The worker downgrades blocked
// recipients and retries rate limits; everything else is counted and logged.
var (
	ErrUserBlocked     = errors.New("recipient blocked the bot")
	ErrUserDeactivated = errors.New("recipient account is deactivated")
	ErrNotModified     = errors.New("message is not modified")
	ErrNotFound        = errors.New("message to operate on not found")
)

// RateLimitedError carries the server-requested backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// ClassifyError maps raw SDK errors onto the sentinel taxonomy. Unrecognized
// errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bot was blocked by the user"),
		strings.Contains(msg, "user_is_blocked"):
		return fmt.Errorf("%w: %w", ErrUserBlocked, err)
	case strings.Contains(msg, "user is deactivated"):
		return fmt.Errorf("%w: %w", ErrUserDeactivated, err)
	case strings.Contains(msg, "message is not modified"):
		return fmt.Errorf("%w: %w", ErrNotModified, err)
	case strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message to delete not found"),
		strings.Contains(msg, "message to pin not found"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(msg, "too many requests"):
		retry := 5 * time.Second
		if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
			if s, convErr := strconv.Atoi(m[1]); convErr == nil {
				retry = time.Duration(s) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retry}
	}
	return err
}

// Unreachable reports whether the error means the recipient can never be
// delivered to again.
func Unreachable(err error) bool {
	return errors.Is(err, ErrUserBlocked) || errors.Is(err, ErrUserDeactivated)
}
