package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const dateOnlyLayout = "2006-01-02"

// timeParam reads an optional RFC3339 timestamp or bare UTC date. A bare date
// used as an exclusive upper bound moves to the next midnight so the whole day
// is included. Failures are reported against field.
func timeParam(field, value string, upperBound bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	day, err := time.ParseInLocation(dateOnlyLayout, trimmed, time.UTC)
	if err != nil {
		return nil, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	if upperBound {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

// timeRange reads an optional [start, end) filter. Either side may be
// missing; when both are present end must be after start.
func timeRange(startField, start, endField, end string) (*time.Time, *time.Time, error) {
	from, err := timeParam(startField, start, false)
	if err != nil {
		return nil, nil, err
	}
	to, err := timeParam(endField, end, true)
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && !to.After(*from) {
		return nil, nil, newValidationError(endField, "invalid_range", endField+" must be after "+startField)
	}
	return from, to, nil
}

func idParam(field, value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	return id, nil
}
