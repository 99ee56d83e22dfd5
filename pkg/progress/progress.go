// Package progress reports progress of record-at-a-time operations such as
// database imports.
package progress

import (
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync/atomic"
)

// Callback receives progress updates. total is 0 when unknown.
type Callback func(op string, current, total int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int, message string) {}

// Track wraps seq so cb is called once per yielded pair.
func Track[K, V any](op string, seq iter.Seq2[K, V], cb Callback) iter.Seq2[K, V] {
	if cb == nil {
		cb = Noop
	}
	return func(yield func(K, V) bool) {
		n := 0
		for k, v := range seq {
			n++
			cb(op, n, 0, "")
			if !yield(k, v) {
				return
			}
		}
	}
}

// Counter prints a running count on one terminal line.
type Counter struct {
	writer  io.Writer
	op      string
	current atomic.Int64
	lastLen atomic.Int64
	enabled atomic.Bool
}

// NewCounter creates a counter writing to stderr.
func NewCounter(op string, enabled bool) *Counter {
	c := &Counter{writer: os.Stderr, op: op}
	c.enabled.Store(enabled)
	return c
}

// SetOutput redirects the counter.
func (c *Counter) SetOutput(w io.Writer) { c.writer = w }

// Callback returns a Callback that drives this counter.
func (c *Counter) Callback() Callback {
	return func(op string, current, total int, message string) {
		c.current.Store(int64(current))
		if !c.enabled.Load() {
			return
		}
		c.render(fmt.Sprintf("%d records", current))
	}
}

// Current returns the last reported count.
func (c *Counter) Current() int { return int(c.current.Load()) }

func (c *Counter) render(message string) {
	clear := "\r"
	if n := c.lastLen.Load(); n > 0 {
		clear = "\r" + strings.Repeat(" ", int(n)) + "\r"
	}
	line := fmt.Sprintf("%s... %s", c.op, message)
	fmt.Fprint(c.writer, clear+line)
	c.lastLen.Store(int64(len(line)))
}

// Done clears the line and prints the final message.
func (c *Counter) Done(final string) {
	if !c.enabled.Load() {
		return
	}
	if final == "" {
		final = fmt.Sprintf("%s complete (%d records)", c.op, c.current.Load())
	}
	c.render("")
	fmt.Fprint(c.writer, "\r"+strings.Repeat(" ", int(c.lastLen.Load()))+"\r"+final+"\n")
}
