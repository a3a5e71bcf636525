package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type timesResponse struct {
	AvailableTimes []string `json:"available_times"`
	BusinessTimes  []string `json:"business_times"`
}

// FindAvailableTimes lists the bookable times for location on date, newest
// first. A 429 is retried with backoff; running out of attempts yields an
// empty list and a warning, not an error. Any other non-200 status is a
// transport error returned immediately.
func (s *Session) FindAvailableTimes(ctx context.Context, location string, date time.Time) ([]string, error) {
	ctx, span := tracer.Start(ctx, "portal.FindAvailableTimes")
	defer span.End()

	dateStr := date.Format(dateLayout)
	span.SetAttributes(attribute.String("location", location), attribute.String("date", dateStr))
	log := s.log.With("location", location, "date", dateStr)

	path := s.scheduleURL("/times/", url.PathEscape(location), ".json")
	backoff := timesSchedule.Start()
	for attempt := 1; attempt <= timesSchedule.MaxAttempts; attempt++ {
		log.Info("finding available times", "attempt", attempt)
		res, err := s.http.R().
			SetContext(ctx).
			SetQueryParam("date", dateStr).
			SetQueryParam("appointments[expedite]", "false").
			Get(path)
		if err != nil {
			span.RecordError(err)
			return nil, transportErr("find-times", 0, err)
		}
		log.Debug("times response", "status", res.StatusCode())

		switch res.StatusCode() {
		case http.StatusOK:
			var body timesResponse
			if err := json.Unmarshal(res.Body(), &body); err != nil {
				span.SetStatus(codes.Error, "decode times")
				return nil, transportErr("find-times", res.StatusCode(), fmt.Errorf("decode times: %w", err))
			}
			log.Debug("available times", "times", body.AvailableTimes)
			return newestFirst(body.AvailableTimes), nil
		case http.StatusTooManyRequests:
			if attempt < timesSchedule.MaxAttempts {
				delay := backoff.Next()
				log.Debug("times rate limited, sleeping", "delay", delay)
				if err := s.opts.Sleeper.Sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
		default:
			span.SetStatus(codes.Error, "unexpected status")
			return nil, statusErr("find-times", res.StatusCode())
		}
	}

	log.Warn("couldn't find times after all retries")
	return nil, nil
}

// newestFirst reverses the portal's order; each time is pushed to the front
// as it is read.
func newestFirst(times []string) []string {
	out := make([]string, 0, len(times))
	for i := len(times) - 1; i >= 0; i-- {
		out = append(out, times[i])
	}
	return out
}
