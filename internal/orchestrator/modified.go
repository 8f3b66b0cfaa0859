package orchestrator

import (
	"regexp"
	"strconv"
	"time"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
)

var modifiedSincePattern = regexp.MustCompile(`^\s*(3[01]|[12][0-9]|0?[1-9])\.(1[012]|0?[1-9])\.((?:19|20)\d{2})\s*$`)

// ParseModifiedSince parses a DD.MM.YYYY date to midnight UTC. An empty
// string yields the zero time.
func ParseModifiedSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	m := modifiedSincePattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, apierrors.NewValidationError("modified_since", s, "expected a date as DD.MM.YYYY")
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, apierrors.NewValidationError("modified_since", s, "no such day")
	}
	return t, nil
}
