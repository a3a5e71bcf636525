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

type earliestDay struct {
	Date        string `json:"date"`
	BusinessDay bool   `json:"business_day"`
}

// FindEarliest returns the first date the portal offers for location that is
// on or after the minimum date. It never retries; rate limiting and blocking
// come back as classified errors.
func (s *Session) FindEarliest(ctx context.Context, location string) (time.Time, error) {
	ctx, span := tracer.Start(ctx, "portal.FindEarliest")
	defer span.End()
	span.SetAttributes(attribute.String("location", location))

	date, err := s.findEarliest(ctx, location)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		return time.Time{}, err
	}
	return date, nil
}

func (s *Session) findEarliest(ctx context.Context, location string) (time.Time, error) {
	res, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("appointments[expedite]", "false").
		Get(s.scheduleURL("/days/", url.PathEscape(location), ".json"))
	if err != nil {
		return time.Time{}, transportErr("find-earliest", 0, err)
	}
	if res.StatusCode() != http.StatusOK {
		return time.Time{}, statusErr("find-earliest", res.StatusCode())
	}

	var days []earliestDay
	if err := json.Unmarshal(res.Body(), &days); err != nil {
		return time.Time{}, transportErr("find-earliest", res.StatusCode(), fmt.Errorf("decode days: %w", err))
	}
	return firstOnOrAfter(days, s.opts.MinDate)
}

// firstOnOrAfter scans days in the order the portal returned them.
func firstOnOrAfter(days []earliestDay, floor time.Time) (time.Time, error) {
	if len(days) == 0 {
		return time.Time{}, &Error{Kind: KindBlocked, Op: "find-earliest"}
	}
	for _, d := range days {
		date, err := time.Parse(dateLayout, d.Date)
		if err != nil {
			return time.Time{}, transportErr("find-earliest", http.StatusOK, fmt.Errorf("parse date %q: %w", d.Date, err))
		}
		if !date.Before(floor) {
			return date, nil
		}
	}
	return time.Time{}, &Error{Kind: KindBlocked, Op: "find-earliest", Err: ErrNoQualifyingDate}
}
