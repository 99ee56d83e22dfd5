package cron_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibgate-project/ibgate/pkg/cron"
)

// 2025-01-15 is a Wednesday, 2025-01-18 a Saturday, 2025-01-19 a Sunday.
func at(day, hour, min int) time.Time {
	return time.Date(2025, time.January, day, hour, min, 0, 0, time.UTC)
}

func TestMatch_WorkdayMorning(t *testing.T) {
	w := cron.Parse("* 9-11 * * 1-5")
	assert.True(t, w.Match(at(15, 10, 15)), "wednesday 10:15")
	assert.False(t, w.Match(at(18, 10, 15)), "saturday 10:15")
	assert.False(t, w.Match(at(15, 12, 0)), "wednesday 12:00")
	assert.True(t, w.Match(at(15, 11, 59)), "wednesday 11:59")
}

func TestMatch_Wildcard(t *testing.T) {
	w := cron.Parse("* * * * *")
	for _, ts := range []time.Time{at(1, 0, 0), at(18, 23, 59), at(31, 12, 30), time.Date(2024, 2, 29, 6, 7, 0, 0, time.UTC)} {
		assert.True(t, w.Match(ts), ts.String())
	}
}

func TestMatch_EmptySpecAlwaysMatches(t *testing.T) {
	for _, spec := range []string{"", "   ", "\x00"} {
		w := cron.Parse(spec)
		assert.True(t, w.Always)
		assert.True(t, w.Match(at(18, 3, 3)))
	}
}

func TestMatch_ORSemantics(t *testing.T) {
	a := "* 7-8 * * 1-5"
	b := "* 10-11 * * 6"
	ts := at(18, 10, 30) // saturday

	assert.False(t, cron.Match(a, ts))
	assert.True(t, cron.Match(b, ts))
	assert.True(t, cron.Match(a+";"+b, ts))
	assert.True(t, cron.Match(b+" ; "+a, ts))
}

func TestMatch_SundayBothPositions(t *testing.T) {
	sunday := at(19, 12, 0)
	assert.True(t, cron.Match("* * * * 0", sunday))
	assert.True(t, cron.Match("* * * * 7", sunday))
	assert.True(t, cron.Match("* * * * 5-7", sunday))
	assert.False(t, cron.Match("* * * * 1-6", sunday))

	d := cron.ParseDomain("* * * * 0")
	assert.Equal(t, uint8(1<<0|1<<7), d.Weekday)
	assert.Equal(t, uint8(1<<0|1<<7), cron.InstantDomain(sunday).Weekday)
}

func TestParse_Steps(t *testing.T) {
	d := cron.ParseDomain("0-30/10 */6 * * *")
	assert.Equal(t, uint64(1<<0|1<<10|1<<20|1<<30), d.Minute)
	assert.Equal(t, uint32(1<<0|1<<6|1<<12|1<<18), d.Hour)

	// a step of zero behaves like one
	d = cron.ParseDomain("1-3/0 * * * *")
	assert.Equal(t, uint64(1<<1|1<<2|1<<3), d.Minute)
}

func TestParse_Lists(t *testing.T) {
	d := cron.ParseDomain("0,15,30-31 8 1,15 1-3,12 *")
	assert.Equal(t, uint64(1<<0|1<<15|1<<30|1<<31), d.Minute)
	assert.Equal(t, uint32(1<<8), d.Hour)
	assert.Equal(t, uint32(1<<1|1<<15), d.Day)
	assert.Equal(t, uint16(1<<1|1<<2|1<<3|1<<12), d.Month)
}

func TestParse_PermissiveRecovery(t *testing.T) {
	// 75 is out of range for minutes; only that item is dropped and the
	// remaining fields are still parsed.
	d := cron.ParseDomain("5,75 9 * * 1-5")
	assert.Equal(t, uint64(1<<5), d.Minute)
	assert.Equal(t, uint32(1<<9), d.Hour)
	assert.NotZero(t, d.Weekday)

	// A malformed field leaves it empty, so the domain matches nothing,
	// but the other domains of the window still count.
	w := cron.Parse("x * * * *;* * * * *")
	require.Len(t, w.Domains, 2)
	assert.Zero(t, w.Domains[0].Minute)
	assert.True(t, w.Match(at(15, 1, 1)))
}

func TestParse_MissingFieldsNeverMatch(t *testing.T) {
	w := cron.Parse("* *")
	assert.False(t, w.Always)
	assert.False(t, w.Match(at(15, 1, 1)))
}

func TestParse_DayOfMonthZeroRejected(t *testing.T) {
	d := cron.ParseDomain("* * 0 * *")
	assert.Zero(t, d.Day)
}

func TestValidate(t *testing.T) {
	assert.Empty(t, cron.Validate("* 9-11 * * 1-5;0 0 1 1 *"))
	assert.Empty(t, cron.Validate(""))

	errs := cron.Validate("61 * * * *;* 25")
	require.Len(t, errs, 5)
	assert.Contains(t, errs[0].Error(), "domain 1: minute")
	assert.Contains(t, errs[1].Error(), "domain 2: hour")
}

func TestWindow_String(t *testing.T) {
	w := cron.Parse(" * 9-11 * * 1-5 ;0,30 8 1 1 0")
	assert.Equal(t, "* 9-11 * * 1-5;0,30 8 1 1 0", w.String())
	assert.Equal(t, "", cron.Parse("").String())
}

func TestDomainMatchesRanges(t *testing.T) {
	// Exhaustive over one day: match iff hour within 9..11 and minute in 0..29.
	w := cron.Parse("0-29 9-11 * * *")
	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			want := h >= 9 && h <= 11 && m < 30
			assert.Equal(t, want, w.Match(at(15, h, m)), "%02d:%02d", h, m)
		}
	}
}
