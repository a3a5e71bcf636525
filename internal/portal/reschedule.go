package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/example/visa-rescheduler/internal/logging"
)

// ClaimPolicy decides what a rejected claim (200 without the success marker)
// costs.
type ClaimPolicy int

const (
	// ClaimRetrySlot keeps submitting the same slot until its attempt budget
	// is spent.
	ClaimRetrySlot ClaimPolicy = iota
	// ClaimAdvanceSlot gives up on the slot and moves to the next one.
	ClaimAdvanceSlot
)

func (p ClaimPolicy) String() string {
	if p == ClaimAdvanceSlot {
		return "advance-slot"
	}
	return "retry-slot"
}

func ParseClaimPolicy(s string) (ClaimPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retry", "retry-slot":
		return ClaimRetrySlot, nil
	case "advance", "advance-slot":
		return ClaimAdvanceSlot, nil
	}
	return 0, fmt.Errorf("unknown claim policy %q (want retry-slot or advance-slot)", s)
}

// bookingForm is the request context scraped from the booking page and
// reused for every claim of one reschedule attempt.
type bookingForm struct {
	url     string
	token   string
	referer string
}

// Reschedule tries to claim any time slot on date at location. It reports
// true only when the portal confirms the booking; every failure, including
// transport errors, is logged and reported as false.
func (s *Session) Reschedule(ctx context.Context, location string, date time.Time) bool {
	ctx, span := tracer.Start(ctx, "portal.Reschedule")
	defer span.End()

	dateStr := date.Format(dateLayout)
	span.SetAttributes(attribute.String("location", location), attribute.String("date", dateStr))
	log := s.log.With("location", location, "date", dateStr)

	ok, err := s.reschedule(ctx, log, location, date)
	if err != nil {
		log.Warn("couldn't reschedule", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "reschedule failed")
		return false
	}
	span.SetAttributes(attribute.Bool("booked", ok))
	return ok
}

func (s *Session) reschedule(ctx context.Context, log logging.Logger, location string, date time.Time) (bool, error) {
	log.Info("trying to reschedule")

	// The slot lookup and the booking form are fetched together; the first
	// failure cancels the other.
	var (
		slots []string
		page  *resty.Response
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		times, err := s.FindAvailableTimes(gctx, location, date)
		if err != nil {
			return fmt.Errorf("find available times: %w", err)
		}
		slots = times
		return nil
	})
	g.Go(func() error {
		var err error
		page, err = s.fetchBookingPage(gctx, log)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	form, err := parseBookingForm(page)
	if err != nil {
		return false, err
	}
	log.Debug("booking form ready", "slots", len(slots))

	return s.claim(ctx, log, location, date.Format(dateLayout), slots, form)
}

func (s *Session) fetchBookingPage(ctx context.Context, log logging.Logger) (*resty.Response, error) {
	backoff := formSchedule.Start()
	for attempt := 1; attempt <= formSchedule.MaxAttempts; attempt++ {
		log.Debug("getting reschedule page", "attempt", attempt)
		res, err := s.http.R().SetContext(ctx).Get(s.scheduleURL())
		if err != nil {
			return nil, transportErr("booking-form", 0, err)
		}
		switch res.StatusCode() {
		case http.StatusOK:
			return res, nil
		case http.StatusTooManyRequests:
			if attempt < formSchedule.MaxAttempts {
				delay := backoff.Next()
				log.Debug("booking page rate limited, sleeping", "delay", delay)
				if err := s.opts.Sleeper.Sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
		default:
			return nil, statusErr("booking-form", res.StatusCode())
		}
	}
	return nil, &Error{Kind: KindRateLimited, Op: "booking-form", Status: http.StatusTooManyRequests}
}

func parseBookingForm(page *resty.Response) (bookingForm, error) {
	token, err := scrapeAuthenticityToken(page.Body())
	if err != nil {
		return bookingForm{}, transportErr("booking-form", page.StatusCode(), err)
	}
	// the jar replays the refreshed cookie; only its presence is checked
	if page.Header().Get("Set-Cookie") == "" {
		return bookingForm{}, transportErr("booking-form", page.StatusCode(), ErrMissingSessionCookie)
	}
	pageURL := page.Request.URL
	if page.RawResponse != nil && page.RawResponse.Request != nil {
		pageURL = page.RawResponse.Request.URL.String()
	}
	return bookingForm{
		url:     pageURL,
		token:   token,
		referer: pageURL,
	}, nil
}

// claim walks slots in order. The refreshed session cookie is already in the
// jar; the form carries the token and referer.
func (s *Session) claim(ctx context.Context, log logging.Logger, location, date string, slots []string, form bookingForm) (bool, error) {
	for _, slot := range slots {
		ok, err := s.claimSlot(ctx, log.With("time", slot), location, date, slot, form)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (s *Session) claimSlot(ctx context.Context, log logging.Logger, location, date, slot string, form bookingForm) (bool, error) {
	backoff := claimSchedule.Start()
	for attempt := 1; attempt <= claimSchedule.MaxAttempts; attempt++ {
		log.Info("sending reschedule request", "attempt", attempt)
		res, err := s.http.R().
			SetContext(ctx).
			SetHeader("Referer", form.referer).
			SetFormData(map[string]string{
				"authenticity_token":                               form.token,
				"confirmed_limit_message":                          "1",
				"use_consulate_appointment_capacity":               "true",
				"appointments[consulate_appointment][facility_id]": location,
				"appointments[consulate_appointment][date]":        date,
				"appointments[consulate_appointment][time]":        slot,
			}).
			Post(form.url)
		if err != nil {
			return false, transportErr("claim", 0, err)
		}
		log.Debug("claim response", "status", res.StatusCode())
		s.opts.Diagnostics.Write(claimRecordName(date, slot), res.Body())

		switch res.StatusCode() {
		case http.StatusTooManyRequests:
			if attempt < claimSchedule.MaxAttempts {
				delay := backoff.Next()
				log.Debug("claim rate limited, sleeping", "delay", delay)
				if err := s.opts.Sleeper.Sleep(ctx, delay); err != nil {
					return false, err
				}
			}
		case http.StatusOK:
			if bytes.Contains(res.Body(), []byte(SuccessMarker)) {
				log.Info("rescheduled")
				return true, nil
			}
			log.Warn("claim rejected", "policy", s.opts.ClaimPolicy)
			if s.opts.ClaimPolicy == ClaimAdvanceSlot {
				return false, nil
			}
		default:
			return false, statusErr("claim", res.StatusCode())
		}
	}
	return false, nil
}
