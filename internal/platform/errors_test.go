package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"blocked", errors.New("telego: sendMessage: api: 403 Forbidden: bot was blocked by the user"), ErrUserBlocked},
		{"deactivated", errors.New("api: 403 Forbidden: user is deactivated"), ErrUserDeactivated},
		{"not modified", errors.New("api: 400 Bad Request: message is not modified"), ErrNotModified},
		{"edit missing", errors.New("api: 400 Bad Request: message to edit not found"), ErrNotFound},
		{"delete missing", errors.New("api: 400 Bad Request: message to delete not found"), ErrNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ClassifyError(c.in)
			if !errors.Is(got, c.want) {
				t.Errorf("ClassifyError(%v) = %v, want %v", c.in, got, c.want)
			}
			if !errors.Is(got, c.in) {
				t.Error("original error must stay in the chain")
			}
		})
	}
}

func TestClassifyRateLimit(t *testing.T) {
	err := ClassifyError(errors.New("api: 429 Too Many Requests: retry after 17"))
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 17*time.Second {
		t.Fatalf("RetryAfter = %s", rl.RetryAfter)
	}
}

func TestClassifyPassthrough(t *testing.T) {
	in := fmt.Errorf("api: 400 Bad Request: chat not found")
	if got := ClassifyError(in); got != in {
		t.Fatalf("unrecognized error should pass through, got %v", got)
	}
	if ClassifyError(nil) != nil {
		t.Fatal("nil in, nil out")
	}
}

func TestUnreachable(t *testing.T) {
	if !Unreachable(fmt.Errorf("wrap: %w", ErrUserBlocked)) {
		t.Error("blocked should be unreachable")
	}
	if Unreachable(ErrNotModified) {
		t.Error("not-modified is retryable, not unreachable")
	}
}
