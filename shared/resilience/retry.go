package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy bounds how often and how fast a failed call is retried.
type RetryPolicy struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// UseProviderBackoff honors the delay the failing service asked for,
	// when the classifier reports one, instead of exponential backoff.
	UseProviderBackoff bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialDelay:       500 * time.Millisecond,
		MaxDelay:           30 * time.Second,
		UseProviderBackoff: true,
	}
}

// Classifier reports whether an error is worth retrying and the backoff the
// service requested, if any.
type Classifier func(err error) (retryable bool, after time.Duration)

// Do runs fn under the policy, retrying only errors the classifier accepts.
// Only the last error is returned.
func Do(ctx context.Context, policy RetryPolicy, classify Classifier, fn func() error) error {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(policy.MaxAttempts),
		retry.Delay(policy.InitialDelay),
		retry.MaxDelay(policy.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			ok, _ := classify(err)
			return ok
		}),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			if policy.UseProviderBackoff {
				if _, after := classify(err); after > 0 {
					if policy.MaxDelay > 0 && after > policy.MaxDelay {
						return policy.MaxDelay
					}
					return after
				}
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("retrying after failure", "attempt", n+1, "error", err)
		}),
	)
}
