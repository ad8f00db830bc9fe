// Package period aligns timestamps to aggregation buckets and billing periods.
package period

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidCadence = errors.New("invalid_billing_cadence")

const (
	Monthly = "monthly"
	Weekly  = "weekly"
	Daily   = "daily"
)

// Period is a half-open interval [Start, End) in UTC.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) Key() string {
	return p.Start.UTC().Format(time.RFC3339)
}

// BucketStart truncates t to the bucket containing it. Buckets align to the Unix epoch.
func BucketStart(t time.Time, size time.Duration) time.Time {
	return t.UTC().Truncate(size)
}

func Bucket(t time.Time, size time.Duration) Period {
	start := BucketStart(t, size)
	return Period{Start: start, End: start.Add(size)}
}

// BillingPeriod returns the billing period containing t.
func BillingPeriod(t time.Time, cadence string) (Period, error) {
	t = t.UTC()
	var start time.Time
	switch normalize(cadence) {
	case Monthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
	case Daily:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return Period{}, ErrInvalidCadence
	}
	end, err := nextPeriodEnd(start, cadence)
	if err != nil {
		return Period{}, err
	}
	return Period{Start: start, End: end}, nil
}

// Next returns the billing period immediately after p.
func Next(p Period, cadence string) (Period, error) {
	end, err := nextPeriodEnd(p.End, cadence)
	if err != nil {
		return Period{}, err
	}
	return Period{Start: p.End, End: end}, nil
}

func nextPeriodEnd(start time.Time, cadence string) (time.Time, error) {
	switch normalize(cadence) {
	case Monthly:
		return start.AddDate(0, 1, 0), nil
	case Weekly:
		return start.AddDate(0, 0, 7), nil
	case Daily:
		return start.AddDate(0, 0, 1), nil
	default:
		return time.Time{}, ErrInvalidCadence
	}
}

func normalize(cadence string) string {
	return strings.ToLower(strings.TrimSpace(cadence))
}
