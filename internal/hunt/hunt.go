// Package hunt drives the appointment hunt: log in, poll every location for
// the earliest date, try to reschedule onto anything earlier than the best
// date held so far, and recover from rate limiting, blocking and session
// failures.
package hunt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/visa-rescheduler/internal/logging"
	"github.com/example/visa-rescheduler/internal/portal"
	"github.com/example/visa-rescheduler/internal/retry"
	"github.com/example/visa-rescheduler/internal/store"
)

// Session is the part of an authenticated portal session the hunt uses.
type Session interface {
	FindEarliest(ctx context.Context, location string) (time.Time, error)
	Reschedule(ctx context.Context, location string, date time.Time) bool
}

// LoginFunc opens a new session. Each call replaces the previous session.
type LoginFunc func(ctx context.Context) (Session, error)

// History records reschedule attempts.
type History interface {
	RecordAttempt(ctx context.Context, a store.Attempt) error
}

// Notifier is told about every new best date.
type Notifier interface {
	NotifyRescheduled(ctx context.Context, location string, previous, date time.Time) error
}

type Config struct {
	Locations   []string
	CurrentDate time.Time

	Delay           time.Duration
	RateLimitDelay  time.Duration
	BlockedCooldown time.Duration
}

type State int

const (
	StateLoggingIn State = iota
	StatePolling
	StateRecoveringFromRateLimit
	StateRecoveringFromBlock
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateLoggingIn:
		return "logging-in"
	case StatePolling:
		return "polling"
	case StateRecoveringFromRateLimit:
		return "recovering-from-rate-limit"
	case StateRecoveringFromBlock:
		return "recovering-from-block"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

type Option func(*Hunter)

func WithLogger(l logging.Logger) Option { return func(h *Hunter) { h.log = l } }

func WithSleeper(s retry.Sleeper) Option { return func(h *Hunter) { h.sleeper = s } }

func WithHistory(r History) Option { return func(h *Hunter) { h.history = r } }

func WithNotifier(n Notifier) Option { return func(h *Hunter) { h.notifier = n } }

func WithRunID(id string) Option { return func(h *Hunter) { h.runID = id } }

func WithClock(now func() time.Time) Option { return func(h *Hunter) { h.now = now } }

// WithTransitionHook is called after every step with the state the step ran
// in and the state it chose next, including self-transitions.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(h *Hunter) { h.onTransition = fn }
}

// Hunter runs the hunt state machine. Run must not be called concurrently;
// BestDate may be read from any goroutine.
type Hunter struct {
	cfg   Config
	login LoginFunc

	log          logging.Logger
	sleeper      retry.Sleeper
	history      History
	notifier     Notifier
	runID        string
	now          func() time.Time
	onTransition func(from, to State)

	session Session

	mu       sync.Mutex
	best     time.Time
	attempts int
}

func New(cfg Config, login LoginFunc, opts ...Option) *Hunter {
	h := &Hunter{
		cfg:     cfg,
		login:   login,
		log:     logging.Discard(),
		sleeper: retry.Real,
		now:     time.Now,
		best:    cfg.CurrentDate,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.runID == "" {
		h.runID = uuid.NewString()
	}
	h.log = h.log.With("component", "hunt", "run", h.runID)
	return h
}

// BestDate is the earliest appointment held so far.
func (h *Hunter) BestDate() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.best
}

// Attempts counts successful probes since the hunt started.
func (h *Hunter) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Run hunts until ctx is cancelled and then returns ctx.Err(). No portal
// failure ends the hunt.
func (h *Hunter) Run(ctx context.Context) error {
	h.log.Info("starting hunt", "locations", h.cfg.Locations, "current", h.cfg.CurrentDate.Format(time.DateOnly))

	state := StateLoggingIn
	for {
		if err := ctx.Err(); err != nil {
			h.log.Info("hunt stopped", "best", h.BestDate().Format(time.DateOnly))
			return err
		}
		next := h.step(ctx, state)
		if next != state {
			h.log.Debug("state change", "from", state, "to", next)
		}
		if h.onTransition != nil {
			h.onTransition(state, next)
		}
		state = next
	}
}

func (h *Hunter) step(ctx context.Context, state State) State {
	switch state {
	case StateLoggingIn:
		return h.stepLogin(ctx)
	case StatePolling:
		return h.stepPoll(ctx)
	case StateRecoveringFromRateLimit:
		h.log.Warn("rate limited, cooling down", "delay", h.cfg.RateLimitDelay)
		h.sleep(ctx, h.cfg.RateLimitDelay)
		return StatePolling
	case StateRecoveringFromBlock:
		h.log.Warn("blocked, cooling down", "delay", h.cfg.BlockedCooldown)
		h.sleep(ctx, h.cfg.BlockedCooldown)
		return StatePolling
	default:
		h.session = nil
		return StateLoggingIn
	}
}

func (h *Hunter) stepLogin(ctx context.Context) State {
	sess, err := h.login(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateLoggingIn
		}
		h.log.Warn("login failed, retrying", "err", err, "delay", h.cfg.RateLimitDelay)
		h.sleep(ctx, h.cfg.RateLimitDelay)
		return StateLoggingIn
	}
	h.session = sess
	return StatePolling
}

func (h *Hunter) stepPoll(ctx context.Context) State {
	err := h.pollCycle(ctx)
	if err == nil || ctx.Err() != nil {
		return StatePolling
	}
	switch portal.KindOf(err) {
	case portal.KindRateLimited:
		return StateRecoveringFromRateLimit
	case portal.KindBlocked:
		h.log.Warn("location blocked", "err", err)
		return StateRecoveringFromBlock
	}
	h.log.Error("polling aborted, logging in again", "err", err)
	return StateAborted
}

// pollCycle probes every location once. The first probe error ends the
// cycle and is returned for classification.
func (h *Hunter) pollCycle(ctx context.Context) error {
	for _, location := range h.cfg.Locations {
		date, err := h.session.FindEarliest(ctx, location)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.attempts++
		attempt := h.attempts
		h.mu.Unlock()
		h.log.Info("earliest found",
			"attempt", attempt,
			"date", date.Format(time.DateOnly),
			"in_days", daysUntil(h.now(), date),
			"location", location)

		if date.Before(h.BestDate()) {
			h.tryReschedule(ctx, location, date)
		}
		if err := h.sleeper.Sleep(ctx, h.cfg.Delay); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hunter) tryReschedule(ctx context.Context, location string, date time.Time) {
	previous := h.BestDate()
	log := h.log.With("location", location, "date", date.Format(time.DateOnly))
	log.Info("earlier date found, rescheduling", "previous", previous.Format(time.DateOnly))

	ok := h.session.Reschedule(ctx, location, date)
	h.record(ctx, store.Attempt{
		RunID:        h.runID,
		Location:     location,
		Date:         date,
		PreviousDate: previous,
		Success:      ok,
		CreatedAt:    h.now(),
	})
	if !ok {
		log.Warn("reschedule did not succeed")
		return
	}
	if !h.improve(date) {
		return
	}
	log.Info("rescheduled to an earlier date")

	if h.notifier != nil {
		if err := h.notifier.NotifyRescheduled(ctx, location, previous, date); err != nil {
			log.Warn("couldn't send notification", "err", err)
		}
	}
}

// improve moves the best date to date if it is strictly earlier.
func (h *Hunter) improve(date time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !date.Before(h.best) {
		return false
	}
	h.best = date
	return true
}

func (h *Hunter) record(ctx context.Context, a store.Attempt) {
	if h.history == nil {
		return
	}
	if err := h.history.RecordAttempt(ctx, a); err != nil {
		h.log.Warn("couldn't record attempt", "err", err)
	}
}

func (h *Hunter) sleep(ctx context.Context, d time.Duration) {
	if err := h.sleeper.Sleep(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Debug("sleep interrupted", "err", err)
	}
}

func daysUntil(now, date time.Time) int {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return int(day.Sub(today).Hours() / 24)
}
