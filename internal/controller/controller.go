// Package controller is the access-control state machine of the reader.
//
// A single reader loop polls the button and the touch probe, turns reads
// into events and feeds them, together with timer expiries, through
// Dispatch. Transitions are serialized by one lock taken with a bounded
// wait: an event that cannot get the lock in time is skipped, never
// queued, so the polling loop is never held up by a slow transition.
// Timers only enqueue a Timeout tagged with the generation of the arming
// that created it; re-arming or cancelling bumps the generation so stale
// expiries are dropped.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/internal/hw"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/cron"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/metrics"
	"github.com/ibgate-project/ibgate/pkg/model"
)

// KeyStore looks up credentials.
type KeyStore interface {
	Lookup(code uint64) (keystore.Record, error)
}

// Logger receives access decisions and system events.
type Logger interface {
	Log(ev model.Event) error
}

// Clock is the time source for timers, polling and window matching.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Defaults.
const (
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultReaderDisable = 400 * time.Millisecond
	DefaultLockWait      = 50 * time.Millisecond
	DefaultBasicTimeout  = 30 * time.Second
	eventQueue           = 8
)

// Options wires a Controller. Store, Reader, Inputs, Relay and LEDs are
// required.
type Options struct {
	Store  KeyStore
	Reader hw.CredentialReader
	Inputs hw.Inputs
	Relay  hw.Relay
	LEDs   hw.LEDs

	// Log receives decisions; nil discards them.
	Log Logger
	// ClearLog deletes the overflow log when the superuser clears a
	// lockout.
	ClearLog func() error
	// SyncNow requests an immediate key database sync.
	SyncNow func()

	Config   model.ReaderConfig
	Clock    Clock
	Location *time.Location
	Logger   *logging.Logger
	Metrics  *metrics.Registry

	PollInterval  time.Duration
	ReaderDisable time.Duration
	LockWait      time.Duration
	BasicTimeout  time.Duration
}

// Decision is the outcome of looking up and matching one code.
type Decision struct {
	Code   uint64
	Kind   model.EventKind
	SU     bool
	Window string
	Reason string
}

// Controller owns the state machine and its outputs.
type Controller struct {
	opts      Options
	log       *logging.Logger
	clock     Clock
	indicator *Indicator
	events    chan Event

	cfgMu sync.RWMutex
	cfg   model.ReaderConfig

	// lock serializes transitions; it is a semaphore so acquisition can
	// time out.
	lock     chan struct{}
	state    State
	prev     State
	openedBy uint64
	relay    bool
	gen      uint64
	timer    clock.Timer

	// reader loop only
	buttonPrev    bool
	disabledUntil time.Time
}

// New validates opts and returns a controller in CheckTouch.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Reader == nil || opts.Inputs == nil || opts.Relay == nil || opts.LEDs == nil {
		return nil, errors.New("controller: store, reader, inputs, relay and LEDs are required")
	}
	if !opts.Config.Mode.Valid() {
		return nil, errclass.ErrConfigInvalid.WithMessagef("mode %d", int(opts.Config.Mode))
	}
	if opts.Config.OpeningTime <= 0 {
		opts.Config.OpeningTime = model.DefaultOpeningTime
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReaderDisable <= 0 {
		opts.ReaderDisable = DefaultReaderDisable
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.BasicTimeout <= 0 {
		opts.BasicTimeout = DefaultBasicTimeout
	}
	return &Controller{
		opts:      opts,
		log:       opts.Logger.With("component", "controller"),
		clock:     opts.Clock,
		indicator: NewIndicator(opts.LEDs, opts.Clock),
		events:    make(chan Event, eventQueue),
		cfg:       opts.Config,
		lock:      make(chan struct{}, 1),
		state:     CheckTouch,
		prev:      CheckTouch,
	}, nil
}

// Indicator returns the LED driver. Its Run must be started by the owner.
func (c *Controller) Indicator() *Indicator { return c.indicator }

// Config returns the reader configuration in force.
func (c *Controller) Config() model.ReaderConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// SetConfig replaces the reader configuration. It applies to the next
// decision; a lock that is already open keeps its timer.
func (c *Controller) SetConfig(rc model.ReaderConfig) error {
	if !rc.Mode.Valid() {
		return errclass.ErrConfigInvalid.WithMessagef("mode %d", int(rc.Mode))
	}
	if rc.OpeningTime <= 0 {
		return errclass.ErrConfigInvalid.WithMessagef("opening time %s", rc.OpeningTime)
	}
	c.cfgMu.Lock()
	c.cfg = rc
	c.cfgMu.Unlock()
	c.log.Info("reader config updated", map[string]any{"mode": rc.Mode.String(), "opening_ms": rc.OpeningTime.Milliseconds()})
	return nil
}

// State returns the current state. It waits for a transition in progress.
func (c *Controller) State() State {
	c.lock <- struct{}{}
	defer func() { <-c.lock }()
	return c.state
}

// RelayOpen reports whether the controller holds the relay open.
func (c *Controller) RelayOpen() bool {
	c.lock <- struct{}{}
	defer func() { <-c.lock }()
	return c.relay
}

func (c *Controller) tryLock() bool {
	select {
	case c.lock <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(c.opts.LockWait)
	defer t.Stop()
	select {
	case c.lock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (c *Controller) unlock() { <-c.lock }

// Post enqueues ev for the reader loop without blocking. It reports
// whether the event was queued.
func (c *Controller) Post(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		c.log.Warn("event queue full, dropping", map[string]any{"event": ev.String()})
		return false
	}
}

// Drain dispatches every queued event and returns how many there were.
func (c *Controller) Drain() int {
	n := 0
	for {
		select {
		case ev := <-c.events:
			c.Dispatch(ev)
			n++
		default:
			return n
		}
	}
}

// Dispatch runs one transition. It returns false when the transition
// lock could not be taken in time and the event was skipped.
func (c *Controller) Dispatch(ev Event) bool {
	if !c.tryLock() {
		c.opts.Metrics.RecordSkippedTransition()
		c.log.Warn("transition skipped", map[string]any{"event": ev.String()})
		return false
	}
	defer c.unlock()
	c.handle(ev)
	return true
}

// EnterLockout forces WaitForClearLog from any state. The relay is closed
// and a pending timer cancelled. Unlike Dispatch it waits for the lock, so
// the request is never lost.
func (c *Controller) EnterLockout() {
	c.lock <- struct{}{}
	defer c.unlock()
	if c.state == WaitForClearLog {
		return
	}
	c.cancelTimer()
	c.closeRelay()
	c.transition(WaitForClearLog, "lockout")
	c.indicator.Set(PatternAlternate)
}

// ExitLockout forces CheckTouch.
func (c *Controller) ExitLockout() {
	c.lock <- struct{}{}
	defer c.unlock()
	c.cancelTimer()
	c.closeRelay()
	c.transition(CheckTouch, "lockout cleared")
	c.indicator.Set(PatternOff)
}

func (c *Controller) transition(next State, why string) {
	if next == c.state {
		return
	}
	c.log.Info("state", map[string]any{"from": c.state.String(), "to": next.String(), "why": why})
	c.state = next
}

// armTimer (re)starts the single controller timer. The callback only
// enqueues; it must not touch controller state.
func (c *Controller) armTimer(d time.Duration) {
	c.cancelTimer()
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() {
		c.Post(Event{Kind: EventTimeout, Gen: gen})
	})
}

func (c *Controller) cancelTimer() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) openRelay() {
	c.opts.Relay.Open()
	c.relay = true
}

func (c *Controller) closeRelay() {
	if c.relay {
		c.opts.Relay.Close()
		c.relay = false
	}
}

// idlePattern is what the indicator shows in s when nothing is happening.
func idlePattern(s State) Pattern {
	if s == WaitForClearLog {
		return PatternAlternate
	}
	return PatternOff
}

func (c *Controller) handle(ev Event) {
	if ev.Kind == EventTimeout && ev.Gen != c.gen {
		c.log.Debug("stale timeout", map[string]any{"gen": ev.Gen, "current": c.gen})
		return
	}
	cfg := c.Config()

	switch c.state {
	case CheckTouch:
		switch ev.Kind {
		case EventSuTouch:
			if c.opts.Inputs.SUEnabled() {
				c.indicator.Set(PatternBlinkGreen)
				c.armTimer(c.opts.BasicTimeout)
				c.transition(SuMode, "superuser")
				return
			}
			c.allow(cfg, ev.Code)
		case EventTouch:
			c.allow(cfg, ev.Code)
		case EventInvalidTouch:
			c.indicator.Set(PatternFlashRed)
		case EventButton:
			if cfg.Mode == model.ModeNormal {
				c.openTimed(cfg.OpeningTime)
				c.prev = CheckTouch
				c.transition(AccessAllow, "button")
			}
		}

	case AccessAllow:
		if ev.Kind == EventTimeout {
			c.closeRelay()
			c.indicator.Set(idlePattern(c.prev))
			c.transition(c.prev, "timeout")
		}

	case AccessAllowBistable:
		switch ev.Kind {
		case EventTouch, EventSuTouch:
			c.closeRelay()
			c.indicator.Set(idlePattern(c.prev))
			c.transition(c.prev, "closed by key")
		case EventInvalidTouch:
			c.indicator.Set(PatternFlashRed)
		}

	case AccessAllowBistableSameKey:
		switch ev.Kind {
		case EventTouch, EventSuTouch:
			if ev.Code != c.openedBy {
				c.log.Debug("other key ignored while held open", map[string]any{"code": fmt.Sprintf("%016X", ev.Code)})
				return
			}
			c.closeRelay()
			c.indicator.Set(idlePattern(c.prev))
			c.transition(c.prev, "closed by same key")
		case EventInvalidTouch:
			c.indicator.Set(PatternFlashRed)
		}

	case SuMode:
		switch ev.Kind {
		case EventTimeout:
			c.indicator.Set(PatternOff)
			c.transition(CheckTouch, "superuser timeout")
		case EventButton:
			c.cancelTimer()
			if c.opts.SyncNow != nil {
				c.opts.SyncNow()
			}
			c.indicator.Set(PatternOff)
			c.transition(CheckTouch, "sync requested")
		}

	case WaitForClearLog:
		switch ev.Kind {
		case EventSuTouch:
			if c.opts.ClearLog != nil {
				if err := c.opts.ClearLog(); err != nil {
					c.log.ErrorErr("clear log", err)
					c.indicator.Set(PatternFlashRed)
					return
				}
			}
			c.cancelTimer()
			c.closeRelay()
			c.indicator.Set(PatternOff)
			c.transition(CheckTouch, "log cleared")
		case EventButton:
			c.openTimed(cfg.OpeningTime)
		case EventTimeout:
			c.closeRelay()
			c.indicator.Set(PatternAlternate)
		case EventTouch, EventInvalidTouch:
			c.indicator.Set(PatternFlashRed)
		}
	}
}

func (c *Controller) openTimed(d time.Duration) {
	c.openRelay()
	c.indicator.Set(PatternGreen)
	c.armTimer(d)
}

// allow opens the lock from CheckTouch according to the mode.
func (c *Controller) allow(cfg model.ReaderConfig, code uint64) {
	c.prev = CheckTouch
	switch cfg.Mode {
	case model.ModeBistable:
		c.openRelay()
		c.indicator.Set(PatternGreen)
		c.transition(AccessAllowBistable, "key")
	case model.ModeBistableSameKey:
		c.openRelay()
		c.openedBy = code
		c.indicator.Set(PatternGreen)
		c.transition(AccessAllowBistableSameKey, "key")
	default:
		c.openTimed(cfg.OpeningTime)
		c.transition(AccessAllow, "key")
	}
}

// Decide looks up code and matches its window at now. The superuser key
// is recognized before any lookup.
func (c *Controller) Decide(code uint64, now time.Time) Decision {
	d := Decision{Code: code}
	if su := c.Config().SUKey; su != 0 && code == su {
		d.SU, d.Kind = true, model.EventAccessGranted
		return d
	}
	rec, err := c.opts.Store.Lookup(code)
	switch {
	case errors.Is(err, errclass.ErrNotFound):
		d.Kind = model.EventKeyUnknown
		return d
	case err != nil:
		c.log.ErrorErr("key lookup", err, map[string]any{"code": fmt.Sprintf("%016X", code)})
		d.Kind, d.Reason = model.EventKeyUnknown, model.ReasonReadError
		return d
	}
	d.Window = rec.Window
	if cron.Match(rec.Window, now.In(c.opts.Location)) {
		d.Kind = model.EventAccessGranted
	} else {
		d.Kind, d.Reason = model.EventAccessDenied, model.ReasonOutOfDomain
	}
	return d
}

// Touch handles a key read from the probe: decide, log, then dispatch.
// Logging happens before the transition lock is taken, so a log that
// fills up may move the controller into lockout first.
func (c *Controller) Touch(code uint64) Decision {
	now := c.clock.Now()
	d := c.Decide(code, now)
	c.opts.Metrics.RecordDecision(string(d.Kind))
	c.record(d, now)

	ev := Event{Kind: EventInvalidTouch, Code: code}
	switch {
	case d.SU:
		ev.Kind = EventSuTouch
	case d.Kind == model.EventAccessGranted:
		ev.Kind = EventTouch
	}
	c.Dispatch(ev)
	return d
}

func (c *Controller) record(d Decision, now time.Time) {
	fields := map[string]any{"code": fmt.Sprintf("%016X", d.Code), "decision": string(d.Kind)}
	if d.Reason != "" {
		fields["reason"] = d.Reason
	}
	c.log.Info("key", fields)
	if c.opts.Log == nil {
		return
	}
	ev := model.Event{Code: d.Code, Kind: d.Kind, Time: now}
	if d.Reason != "" {
		ev.Details = map[string]any{model.DetailReason: d.Reason}
	}
	if d.SU {
		ev.Details = map[string]any{model.DetailReason: "superuser"}
	}
	if err := c.opts.Log.Log(ev); err != nil && !errors.Is(err, errclass.ErrLogFull) {
		c.log.ErrorErr("log decision", err)
	}
}

// poll reads the inputs once.
func (c *Controller) poll() {
	if c.opts.Inputs.Button() {
		if !c.buttonPrev {
			c.buttonPrev = true
			c.Dispatch(Event{Kind: EventButton})
		}
		return
	}
	c.buttonPrev = false

	if !c.opts.Reader.Presence() {
		return
	}
	now := c.clock.Now()
	if !now.Before(c.disabledUntil) {
		code, err := c.opts.Reader.ReadCode()
		if err != nil {
			c.log.Debug("read failed", map[string]any{"error": err.Error()})
			return
		}
		c.disabledUntil = now.Add(c.opts.ReaderDisable)
		c.Touch(code)
		return
	}
	// Key still on the probe: keep the reader disabled.
	c.disabledUntil = now.Add(c.opts.ReaderDisable)
}

// Run is the reader loop: poll inputs, then wait briefly for queued
// events. It returns when ctx is done, leaving the relay closed.
func (c *Controller) Run(ctx context.Context) error {
	t := c.clock.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	c.log.Info("reader started", map[string]any{"mode": c.Config().Mode.String()})
	for {
		c.poll()
		select {
		case <-ctx.Done():
			c.lock <- struct{}{}
			c.cancelTimer()
			c.closeRelay()
			c.unlock()
			return nil
		case ev := <-c.events:
			c.Dispatch(ev)
		case <-t.C():
		}
	}
}
