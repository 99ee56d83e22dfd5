package controller

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/internal/hw"
)

// Pattern is what the indicator LEDs show.
type Pattern int

const (
	PatternOff Pattern = iota
	// PatternGreen is steady green while the lock is open.
	PatternGreen
	// PatternBlinkGreen marks superuser mode.
	PatternBlinkGreen
	// PatternFlashRed is a short red flash for a refused key. The previous
	// pattern resumes afterwards.
	PatternFlashRed
	// PatternAlternate blinks red and green in turn during lockout.
	PatternAlternate
)

var patternNames = [...]string{"Off", "Green", "BlinkGreen", "FlashRed", "Alternate"}

func (p Pattern) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return "Pattern(?)"
	}
	return patternNames[p]
}

const (
	blinkPeriod   = 250 * time.Millisecond
	flashDuration = 500 * time.Millisecond
	indicatorQ    = 5
)

// Indicator drives the LEDs from pattern commands. Set never blocks;
// commands beyond the queue depth are dropped.
type Indicator struct {
	leds  hw.LEDs
	clock clock.WithTicker
	cmds  chan Pattern
	base  atomic.Int32
}

// NewIndicator returns an indicator showing PatternOff.
func NewIndicator(leds hw.LEDs, clk clock.WithTicker) *Indicator {
	return &Indicator{leds: leds, clock: clk, cmds: make(chan Pattern, indicatorQ)}
}

// Set requests a pattern.
func (in *Indicator) Set(p Pattern) {
	if p != PatternFlashRed {
		in.base.Store(int32(p))
	}
	select {
	case in.cmds <- p:
	default:
	}
}

// Pattern returns the last requested steady pattern.
func (in *Indicator) Pattern() Pattern { return Pattern(in.base.Load()) }

// Run renders patterns until ctx is done, then switches both LEDs off.
func (in *Indicator) Run(ctx context.Context) {
	t := in.clock.NewTicker(blinkPeriod)
	defer t.Stop()

	cur := PatternOff
	resume := PatternOff
	var flashUntil time.Time
	phase := false
	in.render(cur, phase)
	for {
		select {
		case <-ctx.Done():
			in.leds.SetRed(false)
			in.leds.SetGreen(false)
			return
		case p := <-in.cmds:
			if p == PatternFlashRed {
				if cur != PatternFlashRed {
					resume = cur
				}
				flashUntil = in.clock.Now().Add(flashDuration)
			}
			cur = p
			phase = true
		case <-t.C():
			phase = !phase
			if cur == PatternFlashRed && !in.clock.Now().Before(flashUntil) {
				cur = resume
			}
		}
		in.render(cur, phase)
	}
}

func (in *Indicator) render(p Pattern, phase bool) {
	switch p {
	case PatternOff:
		in.leds.SetRed(false)
		in.leds.SetGreen(false)
	case PatternGreen:
		in.leds.SetRed(false)
		in.leds.SetGreen(true)
	case PatternBlinkGreen:
		in.leds.SetRed(false)
		in.leds.SetGreen(phase)
	case PatternFlashRed:
		in.leds.SetRed(true)
		in.leds.SetGreen(false)
	case PatternAlternate:
		in.leds.SetRed(!phase)
		in.leds.SetGreen(phase)
	}
}
