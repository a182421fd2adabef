package retry

import (
	"math/rand"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Client retries an operation with exponential backoff and jitter, up to
// a bounded number of attempts.
type Client struct {
	maxRetries      int
	retryInterval   time.Duration
	retriableErrors map[string]bool
}

// ClientInt is the interface for the retry client.
type ClientInt interface {
	RegisterRetriableErrors(errs ...string)
	UnRegisterRetriableErrors(errs ...string)
	Do(fn func() error, shouldRetry func(error) bool) error
}

// NewRetryClient returns a retry client that runs an operation at most
// 1+maxRetries times, sleeping retryInterval*2^attempt plus jitter
// between attempts.
func NewRetryClient(maxRetries int, retryInterval time.Duration) *Client {
	return &Client{
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		retriableErrors: make(map[string]bool),
	}
}

// RegisterRetriableErrors registers error substrings eligible for retry.
// With no registered substrings every error is eligible and shouldRetry
// alone decides.
func (c *Client) RegisterRetriableErrors(errs ...string) {
	for _, err := range errs {
		c.retriableErrors[err] = true
	}
}

// UnRegisterRetriableErrors removes previously registered substrings.
func (c *Client) UnRegisterRetriableErrors(errs ...string) {
	for _, err := range errs {
		delete(c.retriableErrors, err)
	}
}

// Do runs fn, retrying while both the error matches a registered
// retriable error and shouldRetry returns true. The last error is
// returned when attempts are exhausted.
func (c *Client) Do(fn func() error, shouldRetry func(error) bool) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= c.maxRetries || !c.isRetriable(err) || !shouldRetry(err) {
			return err
		}
		backoff := c.backoff(attempt)
		klog.V(5).Infof("retriable error: %v, retrying in %s (attempt %d/%d)", err, backoff, attempt+1, c.maxRetries)
		time.Sleep(backoff)
	}
}

func (c *Client) isRetriable(err error) bool {
	if len(c.retriableErrors) == 0 {
		return true
	}
	for substr := range c.retriableErrors {
		if strings.Contains(err.Error(), substr) {
			return true
		}
	}
	return false
}

// backoff returns retryInterval*2^attempt with up to 10% jitter so
// concurrent reconcilers do not synchronize their retries.
func (c *Client) backoff(attempt int) time.Duration {
	if c.retryInterval <= 0 {
		return 0
	}
	backoff := c.retryInterval << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	return backoff + jitter
}
