// Package naming guards agent identifiers against invalid syntax and
// planner step-labels leaking into the topology as node names.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxLen is the longest accepted name.
const MaxLen = 32

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ForbiddenParts are substrings that indicate a procedural label rather than
// a domain noun.
var ForbiddenParts = []string{
	"create_agent",
	"connect_agent",
	"set_agent",
	"repeat_step",
	"step_",
	"plan",
	"task",
	"do_",
}

var (
	// ErrValidation is the parent of all name rejections.
	ErrValidation = errors.New("validation error")
	// ErrInvalidSyntax is returned for names outside ^[a-z][a-z0-9_]{0,31}$.
	ErrInvalidSyntax = fmt.Errorf("%w: invalid name syntax", ErrValidation)
	// ErrProceduralNameLeak is returned when a name contains a forbidden part.
	ErrProceduralNameLeak = fmt.Errorf("%w: procedural name leak", ErrValidation)
)

// RejectionError describes why a candidate name was refused.
type RejectionError struct {
	Name   string
	Reason error
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("name %q rejected: %v", e.Name, e.Reason)
	}
	return fmt.Sprintf("name %q rejected: %v (%s)", e.Name, e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return e.Reason }

// Validate returns the candidate unchanged if it is acceptable as a node name.
func Validate(candidate string) (string, error) {
	if !validName.MatchString(candidate) {
		return "", &RejectionError{
			Name:   candidate,
			Reason: ErrInvalidSyntax,
			Detail: "use lowercase letters, digits and underscores, starting with a letter, max 32 chars",
		}
	}
	for _, part := range ForbiddenParts {
		if strings.Contains(candidate, part) {
			return "", &RejectionError{
				Name:   candidate,
				Reason: ErrProceduralNameLeak,
				Detail: fmt.Sprintf("contains %q; name the thing, e.g. house_battery, pv_panels, ev_charger", part),
			}
		}
	}
	return candidate, nil
}

// Uniqueify returns base if it is not taken, otherwise base_2, base_3, ...
// The base is shortened when needed so the result stays within MaxLen. When
// the underscore would complete a forbidden part (tornado_2 contains "do_"),
// the digits are appended directly instead (tornado2).
func Uniqueify(base string, existing map[string]struct{}) string {
	if _, taken := existing[base]; !taken {
		return base
	}
	_, baseErr := Validate(base)
	for i := 2; ; i++ {
		n := strconv.Itoa(i)
		for _, sep := range []string{"_", ""} {
			candidate := withSuffix(base, sep+n)
			if _, taken := existing[candidate]; taken {
				continue
			}
			if _, err := Validate(candidate); err == nil || baseErr != nil {
				return candidate
			}
		}
	}
}

func withSuffix(base, suffix string) string {
	stem := base
	if len(stem)+len(suffix) > MaxLen {
		stem = strings.TrimRight(stem[:MaxLen-len(suffix)], "_")
	}
	return stem + suffix
}

// NameSet builds the lookup set Uniqueify expects.
func NameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
