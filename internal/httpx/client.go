// Package httpx builds the retrying HTTP client shared by the feed fetcher
// and the log sender.
package httpx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ibgate-project/ibgate/pkg/logging"
)

// Options tunes retries. Zero values take the defaults below.
type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

const (
	DefaultTimeout      = 15 * time.Second
	DefaultRetryMax     = 3
	DefaultRetryWaitMin = 500 * time.Millisecond
	DefaultRetryWaitMax = 5 * time.Second
)

// New returns a retryablehttp client logging through log.
func New(opts Options, log *logging.Logger) *retryablehttp.Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = DefaultRetryWaitMax
	}
	if log == nil {
		log = logging.Nop()
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.HTTPClient.Timeout = opts.Timeout
	c.Logger = leveled{log.With("component", "http")}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// leveled adapts logging.Logger to retryablehttp.LeveledLogger.
type leveled struct {
	log *logging.Logger
}

func fields(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = fmt.Sprint(kv[i+1])
	}
	return m
}

func (l leveled) Error(msg string, kv ...any) { l.log.Error(msg, fields(kv)) }
func (l leveled) Info(msg string, kv ...any)  { l.log.Debug(msg, fields(kv)) }
func (l leveled) Debug(msg string, kv ...any) { l.log.Debug(msg, fields(kv)) }
func (l leveled) Warn(msg string, kv ...any)  { l.log.Warn(msg, fields(kv)) }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("%s %s: %d %s", method, e.URL, e.Status, http.StatusText(e.Status))
}
