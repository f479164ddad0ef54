package utils

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidTimestamp is returned for values ParseISO8601 cannot read.
var ErrInvalidTimestamp = errors.New("invalid ISO8601 timestamp")

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseISO8601 parses an ISO-8601 timestamp. Values without a zone offset are
// taken as UTC. The result is always normalized to UTC.
func ParseISO8601(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrInvalidTimestamp
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "%q", value)
}
