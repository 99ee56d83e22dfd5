// Package feed reads the authoritative credential list: one
// "<code>|<window>" line per credential, fetched over HTTP or read from a
// local file.
package feed

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/cron"
	"github.com/ibgate-project/ibgate/pkg/errclass"
)

const (
	// Delimiter separates the code from the window.
	Delimiter = "|"

	// DecimalPrefix marks a code written in decimal. Codes are hex otherwise.
	DecimalPrefix = "d:"

	maxLineLen = 4096
)

// ParseCode parses a credential code: hex with an optional 0x prefix, or
// decimal after "d:".
func ParseCode(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	base := 16
	switch {
	case strings.HasPrefix(s, DecimalPrefix):
		s, base = strings.TrimSpace(s[len(DecimalPrefix):]), 10
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	}
	if s == "" {
		return 0, fmt.Errorf("empty code")
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("bad code %q", s)
	}
	return v, nil
}

// NormalizeWindow trims blanks around the whole spec and around every
// ';'-separated sub-window.
func NormalizeWindow(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	parts := strings.Split(s, string(cron.Separator))
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, string(cron.Separator))
}

// ParseLine parses one feed line. A line with no delimiter, or with a blank
// window, grants unrestricted access.
func ParseLine(line string) (keystore.Record, error) {
	codeStr, window, _ := strings.Cut(line, Delimiter)
	code, err := ParseCode(codeStr)
	if err != nil {
		return keystore.Record{}, errclass.ErrRecordInvalid.WithMessage(err.Error())
	}
	if strings.Contains(window, Delimiter) {
		return keystore.Record{}, errclass.ErrRecordInvalid.WithMessagef("code %016X: unexpected %q in window", code, Delimiter)
	}
	rec := keystore.Record{Code: code, Window: NormalizeWindow(window)}
	if len(rec.Window) > keystore.MaxWindowLen {
		return keystore.Record{}, errclass.ErrRecordInvalid.WithMessagef("code %016X: window is %d bytes, limit %d", code, len(rec.Window), keystore.MaxWindowLen)
	}
	return rec, nil
}

func skippable(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || strings.HasPrefix(line, "#")
}

// Parse yields the records of r in order. Malformed lines are yielded as
// E_RECORD_INVALID errors carrying the line number; a read error is
// yielded last and ends the sequence.
func Parse(r io.Reader) iter.Seq2[keystore.Record, error] {
	return func(yield func(keystore.Record, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 512), maxLineLen)
		n := 0
		for sc.Scan() {
			n++
			line := strings.TrimRight(sc.Text(), "\r")
			if skippable(line) {
				continue
			}
			rec, err := ParseLine(line)
			if err != nil {
				err = fmt.Errorf("line %d: %w", n, err)
			}
			if !yield(rec, err) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(keystore.Record{}, fmt.Errorf("read feed after line %d: %w", n, err))
		}
	}
}

// Validate parses all of r and reports every problem: malformed lines and
// windows the matcher would partly drop.
func Validate(r io.Reader) (int, error) {
	var result *multierror.Error
	count := 0
	for rec, err := range Parse(r) {
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		count++
		if rec.Window == "" {
			continue
		}
		for _, werr := range cron.Validate(rec.Window) {
			result = multierror.Append(result, fmt.Errorf("code %s: %w", rec.CodeHex(), werr))
		}
	}
	return count, result.ErrorOrNil()
}
