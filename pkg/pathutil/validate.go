// Package pathutil validates operator-supplied names.
package pathutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/ibgate-project/ibgate/pkg/errclass"
)

// MaxNameLen is the longest device name accepted. It matches the 32 byte
// NVS string slot minus terminator.
const MaxNameLen = 31

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateName checks a device name. The name is NFC-normalized before the
// checks, and the normalized form is returned.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if strings.Contains(name, "..") {
		return "", errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}
	if !nameRegex.MatchString(name) {
		return "", errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}
	if len(name) > MaxNameLen {
		return "", errclass.ErrNameInvalid.WithMessagef("name longer than %d bytes: %s", MaxNameLen, name)
	}
	return name, nil
}
