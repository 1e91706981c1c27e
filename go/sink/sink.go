// Package sink delivers rendered webhook messages to the downstream
// message sink over HTTP.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultAttempts is the total number of tries per message.
	DefaultAttempts = 3

	// DefaultInitialBackoff is the wait after the first failed attempt;
	// each subsequent wait doubles.
	DefaultInitialBackoff = time.Second
)

var (
	// ErrRejected means the sink answered with a non-retryable status;
	// resending the same message would fail the same way.
	ErrRejected = errors.New("message sink rejected the request")

	// ErrUnavailable means every attempt failed with a network error or a
	// server-side status.
	ErrUnavailable = errors.New("message sink unavailable")
)

// IsRejected reports whether err came from a non-retryable sink response.
func IsRejected(err error) bool {
	return errors.Is(skerr.Unwrap(err), ErrRejected)
}

// IsUnavailable reports whether err means the sink could not be reached
// or kept failing server-side.
func IsUnavailable(err error) bool {
	return errors.Is(skerr.Unwrap(err), ErrUnavailable)
}

// FormatMessage builds the sink message for a rendered webhook:
// <service>:<token>:<rendered text>.
func FormatMessage(service, token, rendered string) string {
	return fmt.Sprintf("%s:%s:%s", service, token, rendered)
}

// Options configures a Client. Zero values for Timeout, Attempts and
// InitialBackoff fall back to the defaults above.
type Options struct {
	URL            string
	Username       string
	Password       string
	Timeout        time.Duration
	Attempts       int
	InitialBackoff time.Duration
}

// Client posts messages to the sink. Safe for concurrent use; all sends
// share one pooled HTTP client.
type Client struct {
	opts   Options
	client *http.Client
}

// New returns a Client for the given sink.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, skerr.Fmt("sink URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	client := httputils.DefaultClientConfig().WithoutRetries().Client()
	// A redirect is a rejection, not a hop to follow.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		opts:   opts,
		client: client,
	}, nil
}

// messageRequest is the wire body the sink expects.
type messageRequest struct {
	Message         string `json:"message"`
	AlignedResource string `json:"aligned_resource"`
}

// Send delivers one message, retrying network errors and server-side
// statuses with exponential backoff. A 2xx answer is success. A 3xx or
// 4xx answer returns ErrRejected without further attempts; exhausting
// the attempts returns ErrUnavailable.
func (c *Client) Send(ctx context.Context, message, alignedResource string) error {
	body, err := json.Marshal(messageRequest{
		Message:         message,
		AlignedResource: alignedResource,
	})
	if err != nil {
		return skerr.Wrap(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.Attempts-1)), ctx)

	err = backoff.RetryNotify(func() error {
		return c.attempt(ctx, body)
	}, bo, func(err error, next time.Duration) {
		sklog.Warningf("Message sink attempt failed, retrying in %s: %s", next, err)
	})
	if err == nil {
		return nil
	}
	root := skerr.Unwrap(err)
	if errors.Is(root, ErrRejected) || errors.Is(root, ErrUnavailable) {
		return err
	}
	return skerr.Wrapf(ErrUnavailable, "after %d attempts: %s", c.opts.Attempts, err)
}

// attempt performs one POST. Retryable failures return a plain error;
// non-retryable responses are marked permanent.
func (c *Client) attempt(ctx context.Context, body []byte) error {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(skerr.Wrap(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.opts.Username, c.opts.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "posting to message sink")
	}
	defer util.Close(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return skerr.Wrapf(ErrUnavailable, "message sink returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(skerr.Wrapf(ErrRejected, "message sink returned %d", resp.StatusCode))
	}
}
