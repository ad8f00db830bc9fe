package server

import (
	"time"

	"github.com/smallbiznis/meterflow/internal/period"
)

type periodQuery struct {
	Start string `form:"start"`
	End   string `form:"end"`
	At    string `form:"at"`
}

func (s *Server) resolvePeriod(q periodQuery) (period.Period, error) {
	start, err := timeParam("start", q.Start, false)
	if err != nil {
		return period.Period{}, err
	}
	end, err := timeParam("end", q.End, false)
	if err != nil {
		return period.Period{}, err
	}
	at, err := timeParam("at", q.At, false)
	if err != nil {
		return period.Period{}, err
	}
	return s.periodFrom(start, end, at)
}

// periodFrom returns the explicit [start, end) window when given, or else the
// billing period containing at (default now).
func (s *Server) periodFrom(start, end, at *time.Time) (period.Period, error) {
	if start != nil || end != nil {
		if start == nil || end == nil || !end.After(*start) {
			return period.Period{}, newValidationError("period", "invalid_period", "start and end must form a non-empty window")
		}
		return period.Period{Start: start.UTC(), End: end.UTC()}, nil
	}

	instant := s.clock.Now().UTC()
	if at != nil {
		instant = at.UTC()
	}
	return period.BillingPeriod(instant, s.policy.Get().BillingPeriod)
}
