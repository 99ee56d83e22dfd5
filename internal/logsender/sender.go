// Package logsender delivers stored log records to the server and
// acknowledges them so the log storage frees up.
package logsender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/internal/eventlog"
	"github.com/ibgate-project/ibgate/internal/httpx"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
)

// Source is the part of the event log the sender drains.
type Source interface {
	Pending(n int) ([]eventlog.Record, error)
	Ack(through uint64) (int, error)
}

// Options configures delivery.
type Options struct {
	URL      string
	Device   string
	Rate     float64 // messages per second; <= 0 is unlimited
	Batch    int
	Interval time.Duration
	Client   httpx.Options
}

const (
	DefaultBatch    = 16
	DefaultInterval = 5 * time.Second
)

// TimeStamp mirrors a broken-down calendar time: Month counts from 0 and
// Year from 1900.
type TimeStamp struct {
	Sec     int `json:"sec"`
	Min     int `json:"min"`
	Hour    int `json:"hour"`
	Day     int `json:"day"`
	Month   int `json:"month"`
	Year    int `json:"year"`
	Weekday int `json:"weekday"`
}

// NewTimeStamp breaks t down in its own location.
func NewTimeStamp(t time.Time) TimeStamp {
	return TimeStamp{
		Sec:     t.Second(),
		Min:     t.Minute(),
		Hour:    t.Hour(),
		Day:     t.Day(),
		Month:   int(t.Month()) - 1,
		Year:    t.Year() - 1900,
		Weekday: int(t.Weekday()),
	}
}

// Message is the JSON document posted for each record.
type Message struct {
	Device    string            `json:"device"`
	KeyCode   string            `json:"key code"`
	Type      int               `json:"type"`
	TimeStamp TimeStamp         `json:"time stamp"`
	ID        string            `json:"id"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewMessage formats r for device.
func NewMessage(device string, r eventlog.Record) Message {
	return Message{
		Device:    device,
		KeyCode:   fmt.Sprintf("%X", r.Code),
		Type:      r.Kind.Number(),
		TimeStamp: NewTimeStamp(r.Timestamp.Local()),
		ID:        r.ID,
		Details:   r.Details,
	}
}

// Sender posts pending records one by one, paced by a token bucket.
type Sender struct {
	src     Source
	opts    Options
	client  *retryablehttp.Client
	limiter *rate.Limiter
	clock   clock.WithTicker
	log     *logging.Logger
	wake    chan struct{}
}

// New validates opts. clk may be nil for the wall clock.
func New(src Source, opts Options, clk clock.WithTicker, log *logging.Logger) (*Sender, error) {
	if opts.URL == "" {
		return nil, errclass.ErrConfigInvalid.WithMessage("server.log_path is empty")
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logging.Nop()
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Sender{
		src:     src,
		opts:    opts,
		client:  httpx.New(opts.Client, log),
		limiter: rate.NewLimiter(limit, 1),
		clock:   clk,
		log:     log.With("component", "logsender"),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Notify asks a running sender to flush now.
func (s *Sender) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush sends one batch and acknowledges what the server accepted. It
// returns the number of records delivered.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	recs, err := s.src.Pending(s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("read pending log: %w", err)
	}
	sent := 0
	var sendErr error
	for _, r := range recs {
		if sendErr = s.limiter.Wait(ctx); sendErr != nil {
			break
		}
		if sendErr = s.post(ctx, NewMessage(s.opts.Device, r)); sendErr != nil {
			break
		}
		sent++
	}
	if sent > 0 {
		if _, err := s.src.Ack(recs[sent-1].Seq); err != nil {
			return sent, fmt.Errorf("ack log records: %w", err)
		}
	}
	return sent, sendErr
}

func (s *Sender) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal log message: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &httpx.StatusError{Method: http.MethodPost, URL: s.opts.URL, Status: resp.StatusCode}
	}
	return nil
}

// Run flushes every interval and on Notify until ctx is done. Delivery
// failures are logged and retried on the next round.
func (s *Sender) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		for {
			n, err := s.Flush(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Warn("log delivery failed", map[string]any{"sent": n, "error": err.Error()})
				break
			}
			if n < s.opts.Batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
		case <-s.wake:
		}
	}
}
