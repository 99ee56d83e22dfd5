package cron

import (
	"fmt"
	"strconv"
	"strings"
)

type field struct {
	name string
	min  int
	max  int
	set  func(*Domain, int)
}

var fields = [5]field{
	{"minute", 0, 59, setMinute},
	{"hour", 0, 23, setHour},
	{"day of month", 1, 31, setDay},
	{"month", 1, 12, setMonth},
	{"day of week", 0, 7, setWeekday},
}

func setMinute(d *Domain, v int) { d.Minute |= 1 << uint(v) }
func setHour(d *Domain, v int)   { d.Hour |= 1 << uint(v) }
func setDay(d *Domain, v int)    { d.Day |= 1 << uint(v) }
func setMonth(d *Domain, v int)  { d.Month |= 1 << uint(v) }

// Sunday is accepted as 0 or 7 and always occupies both positions.
func setWeekday(d *Domain, v int) {
	if v == 0 || v == 7 {
		d.Weekday |= 1<<0 | 1<<7
		return
	}
	d.Weekday |= 1 << uint(v)
}

// ParseDomain parses one five-field entry. Missing fields stay empty.
func ParseDomain(s string) Domain {
	var d Domain
	parseDomain(s, &d, nil)
	return d
}

// Validate parses spec and returns one error per dropped token or missing
// field. The parsed window is identical whether or not Validate reports
// problems.
func Validate(spec string) []error {
	spec = strings.TrimRight(spec, "\x00")
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	var errs []error
	for i, part := range strings.Split(spec, string(Separator)) {
		var d Domain
		parseDomain(part, &d, func(err error) {
			errs = append(errs, fmt.Errorf("domain %d: %w", i+1, err))
		})
	}
	return errs
}

func parseDomain(s string, d *Domain, report func(error)) {
	tokens := strings.Fields(s)
	for i, f := range fields {
		if i >= len(tokens) {
			if report != nil {
				report(fmt.Errorf("%s: missing field", f.name))
			}
			continue
		}
		for _, item := range strings.Split(tokens[i], ",") {
			if err := parseItem(item, f, d); err != nil && report != nil {
				report(fmt.Errorf("%s: %w", f.name, err))
			}
		}
	}
	if len(tokens) > len(fields) && report != nil {
		report(fmt.Errorf("ignored %d trailing token(s)", len(tokens)-len(fields)))
	}
}

// parseItem sets the bits for one comma item: "*", "*/n", "a", "a-b" or
// "a-b/n". Nothing is set when the item is rejected.
func parseItem(item string, f field, d *Domain) error {
	if item == "" {
		return fmt.Errorf("empty item")
	}
	rng, stepStr, hasStep := strings.Cut(item, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n < 0 {
			return fmt.Errorf("bad step %q", stepStr)
		}
		if n > 0 {
			step = n
		}
	}

	var lo, hi int
	switch {
	case rng == "*":
		lo, hi = f.min, f.max
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = f.number(a); err != nil {
			return err
		}
		if hi, err = f.number(b); err != nil {
			return err
		}
	default:
		n, err := f.number(rng)
		if err != nil {
			return err
		}
		// "a/n" carries no range, so the step has nothing to walk.
		lo, hi = n, n
	}
	if lo > hi {
		return fmt.Errorf("empty range %d-%d", lo, hi)
	}

	for v := lo; v <= hi; v += step {
		f.set(d, v)
	}
	return nil
}

func (f field) number(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	if n < f.min || n > f.max {
		return 0, fmt.Errorf("%d out of range %d-%d", n, f.min, f.max)
	}
	return n, nil
}

// String renders the domain in five-field form.
func (d Domain) String() string {
	parts := []string{
		renderBits(d.Minute, 0, 59),
		renderBits(uint64(d.Hour), 0, 23),
		renderBits(uint64(d.Day), 1, 31),
		renderBits(uint64(d.Month), 1, 12),
		renderBits(uint64(d.Weekday)&0x7f, 0, 6),
	}
	return strings.Join(parts, " ")
}

func renderBits(bits uint64, lo, hi int) string {
	if bits == 0 {
		return "-"
	}
	full := true
	for v := lo; v <= hi; v++ {
		if bits&(1<<uint(v)) == 0 {
			full = false
			break
		}
	}
	if full {
		return "*"
	}
	var runs []string
	for v := lo; v <= hi; v++ {
		if bits&(1<<uint(v)) == 0 {
			continue
		}
		start := v
		for v+1 <= hi && bits&(1<<uint(v+1)) != 0 {
			v++
		}
		if start == v {
			runs = append(runs, strconv.Itoa(start))
		} else {
			runs = append(runs, fmt.Sprintf("%d-%d", start, v))
		}
	}
	return strings.Join(runs, ",")
}
