package store

import (
	"fmt"
	"regexp"
	"strings"
)

// Account and task names double as directory and file name components, so the
// accepted alphabet is deliberately narrow: letters, digits and CJK, plus
// underscore and hyphen after the first rune, 1-64 runes.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9\x{4e00}-\x{9fff}][a-zA-Z0-9_\x{4e00}-\x{9fff}-]{0,63}$`)

// ValidateName checks name against the naming rules. label names the field in
// the returned error ("account", "task").
func ValidateName(name, label string) (string, error) {
	name = strings.TrimSpace(name)
	if !nameRE.MatchString(name) {
		return "", fmt.Errorf("invalid %s name %q: letters/digits/CJK, underscore and hyphen only, 1-64 chars, must not start with a separator", label, name)
	}
	return name, nil
}
