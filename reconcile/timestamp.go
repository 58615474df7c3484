package reconcile

import (
	"errors"
	"fmt"
	"time"

	"go-tasksync/model"
)

var (
	errMissingTimestamp = errors.New("updated_at is missing")
	errBadTimestamp     = errors.New("updated_at is not a valid timestamp")
)

// layouts accepted for client timestamps. Offset-less values are read as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads the updated_at value of a client payload.
func ParseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, errMissingTimestamp
	case string:
		if ts == "" {
			return time.Time{}, errMissingTimestamp
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return model.Timestamp(t), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, ts)
	case time.Time:
		return model.Timestamp(ts), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %T", errBadTimestamp, v)
	}
}

// IsMissingTimestamp reports whether err came from an absent updated_at.
func IsMissingTimestamp(err error) bool {
	return errors.Is(err, errMissingTimestamp)
}
