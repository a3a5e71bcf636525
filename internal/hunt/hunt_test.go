package hunt

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/visa-rescheduler/internal/portal"
	"github.com/example/visa-rescheduler/internal/retry/retrytest"
	"github.com/example/visa-rescheduler/internal/store"
)

func day(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := time.Parse(time.DateOnly, s)
	require.NoError(t, err)
	return d
}

type probe struct {
	date time.Time
	err  error
}

type rescheduleCall struct {
	location string
	date     time.Time
}

// fakeSession answers probes from a per-location script; the last entry
// repeats once a script runs out.
type fakeSession struct {
	probes     map[string][]probe
	reschedule func(location string, date time.Time) bool

	probed      []string
	rescheduled []rescheduleCall
}

func (s *fakeSession) FindEarliest(_ context.Context, location string) (time.Time, error) {
	s.probed = append(s.probed, location)
	script := s.probes[location]
	p := script[0]
	if len(script) > 1 {
		s.probes[location] = script[1:]
	}
	return p.date, p.err
}

func (s *fakeSession) Reschedule(_ context.Context, location string, date time.Time) bool {
	s.rescheduled = append(s.rescheduled, rescheduleCall{location, date})
	if s.reschedule == nil {
		return false
	}
	return s.reschedule(location, date)
}

type memHistory struct {
	mu       sync.Mutex
	attempts []store.Attempt
}

func (m *memHistory) RecordAttempt(_ context.Context, a store.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

type notification struct {
	location       string
	previous, date time.Time
}

type memNotifier struct {
	sent []notification
	err  error
}

func (n *memNotifier) NotifyRescheduled(_ context.Context, location string, previous, date time.Time) error {
	n.sent = append(n.sent, notification{location, previous, date})
	return n.err
}

type transition struct{ from, to State }

// runUntil runs h until stop reports true for the transitions seen so far.
func runUntil(t *testing.T, build func(hook Option) *Hunter, stop func([]transition) bool) []transition {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []transition
	hook := WithTransitionHook(func(from, to State) {
		seen = append(seen, transition{from, to})
		if stop(seen) {
			cancel()
		}
	})
	err := build(hook).Run(ctx)
	require.ErrorIs(t, err, context.Canceled, "hunt should only stop on cancellation")
	return seen
}

func afterTransitions(n int) func([]transition) bool {
	return func(seen []transition) bool { return len(seen) >= n }
}

var testConfig = Config{
	Locations:       []string{"94", "95"},
	Delay:           3 * time.Second,
	RateLimitDelay:  10 * time.Second,
	BlockedCooldown: 4 * time.Hour,
}

func configWithDate(t *testing.T, current string) Config {
	cfg := testConfig
	cfg.CurrentDate = day(t, current)
	return cfg
}

func loginSequence(results ...error) (LoginFunc, *fakeSession, *int) {
	sess := &fakeSession{probes: map[string][]probe{}}
	calls := 0
	return func(context.Context) (Session, error) {
		i := calls
		calls++
		if i < len(results) && results[i] != nil {
			return nil, results[i]
		}
		return sess, nil
	}, sess, &calls
}

func TestLoginForbiddenStaysInLoggingInAfterRecoveryDelay(t *testing.T) {
	login, sess, calls := loginSequence(&portal.Error{Kind: portal.KindBlocked, Op: "login", Status: http.StatusForbidden})
	sess.probes["94"] = []probe{{date: day(t, "2030-01-01")}}
	sess.probes["95"] = []probe{{date: day(t, "2030-01-01")}}
	sleeper := &retrytest.Recorder{}

	seen := runUntil(t, func(hook Option) *Hunter {
		return New(configWithDate(t, "2025-01-01"), login, WithSleeper(sleeper), hook)
	}, afterTransitions(2))

	assert.Equal(t, []transition{
		{StateLoggingIn, StateLoggingIn},
		{StateLoggingIn, StatePolling},
	}, seen)
	assert.Equal(t, 2, *calls)
	require.NotEmpty(t, sleeper.Delays())
	assert.Equal(t, testConfig.RateLimitDelay, sleeper.Delays()[0])
}

func TestBestDateOnlyImprovesOnSuccessfulReschedule(t *testing.T) {
	login, sess, _ := loginSequence()
	sess.probes["94"] = []probe{{date: day(t, "2025-05-01")}, {date: day(t, "2025-03-01")}}
	sess.probes["95"] = []probe{{date: day(t, "2025-04-01")}, {date: day(t, "2025-04-01")}}
	sess.reschedule = func(location string, _ time.Time) bool { return location == "95" }
	history := &memHistory{}
	notifier := &memNotifier{}
	clock := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

	var hunter *Hunter
	runUntil(t, func(hook Option) *Hunter {
		hunter = New(configWithDate(t, "2025-06-01"), login,
			WithSleeper(&retrytest.Recorder{}),
			WithHistory(history),
			WithNotifier(notifier),
			WithRunID("run-1"),
			WithClock(func() time.Time { return clock }),
			hook)
		return hunter
	}, afterTransitions(3))

	// cycle 1: 94 fails to move to 05-01, 95 moves to 04-01.
	// cycle 2: 94 offers 03-01 and is refused, 95 is no longer earlier.
	assert.Equal(t, []rescheduleCall{
		{"94", day(t, "2025-05-01")},
		{"95", day(t, "2025-04-01")},
		{"94", day(t, "2025-03-01")},
	}, sess.rescheduled)
	assert.Equal(t, day(t, "2025-04-01"), hunter.BestDate())
	assert.Equal(t, 4, hunter.Attempts())

	require.Len(t, history.attempts, 3)
	assert.False(t, history.attempts[0].Success)
	assert.True(t, history.attempts[1].Success)
	assert.Equal(t, day(t, "2025-06-01"), history.attempts[1].PreviousDate)
	assert.Equal(t, "run-1", history.attempts[1].RunID)
	assert.Equal(t, clock, history.attempts[1].CreatedAt)
	assert.Equal(t, day(t, "2025-04-01"), history.attempts[2].PreviousDate)

	assert.Equal(t, []notification{{"95", day(t, "2025-06-01"), day(t, "2025-04-01")}}, notifier.sent)
}

func TestDatesNotEarlierAreNeverRescheduled(t *testing.T) {
	login, sess, _ := loginSequence()
	sess.probes["94"] = []probe{{date: day(t, "2025-06-01")}}
	sess.probes["95"] = []probe{{date: day(t, "2025-07-01")}}
	sess.reschedule = func(string, time.Time) bool { return true }

	var hunter *Hunter
	runUntil(t, func(hook Option) *Hunter {
		hunter = New(configWithDate(t, "2025-06-01"), login, WithSleeper(&retrytest.Recorder{}), hook)
		return hunter
	}, afterTransitions(3))

	assert.Empty(t, sess.rescheduled)
	assert.Equal(t, day(t, "2025-06-01"), hunter.BestDate())
}

func TestPollingPacesEveryProbe(t *testing.T) {
	login, sess, _ := loginSequence()
	sess.probes["94"] = []probe{{date: day(t, "2030-01-01")}}
	sess.probes["95"] = []probe{{date: day(t, "2030-01-01")}}
	sleeper := &retrytest.Recorder{}

	runUntil(t, func(hook Option) *Hunter {
		return New(configWithDate(t, "2025-06-01"), login, WithSleeper(sleeper), hook)
	}, afterTransitions(3))

	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, sleeper.Delays())
	assert.Equal(t, []string{"94", "95", "94", "95"}, sess.probed)
}

func TestClassifiedErrorReactions(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		want   []transition
		delay  time.Duration
		logins int
	}{
		{
			name: "rate limited",
			err:  &portal.Error{Kind: portal.KindRateLimited, Op: "find-earliest", Status: 429},
			want: []transition{
				{StateLoggingIn, StatePolling},
				{StatePolling, StateRecoveringFromRateLimit},
				{StateRecoveringFromRateLimit, StatePolling},
			},
			delay:  10 * time.Second,
			logins: 1,
		},
		{
			name: "blocked",
			err:  &portal.Error{Kind: portal.KindBlocked, Op: "find-earliest"},
			want: []transition{
				{StateLoggingIn, StatePolling},
				{StatePolling, StateRecoveringFromBlock},
				{StateRecoveringFromBlock, StatePolling},
			},
			delay:  4 * time.Hour,
			logins: 1,
		},
		{
			name: "transport",
			err:  &portal.Error{Kind: portal.KindTransport, Op: "find-earliest", Status: 502},
			want: []transition{
				{StateLoggingIn, StatePolling},
				{StatePolling, StateAborted},
				{StateAborted, StateLoggingIn},
				{StateLoggingIn, StatePolling},
			},
			logins: 2,
		},
		{
			name: "unclassified",
			err:  errors.New("boom"),
			want: []transition{
				{StateLoggingIn, StatePolling},
				{StatePolling, StateAborted},
				{StateAborted, StateLoggingIn},
				{StateLoggingIn, StatePolling},
			},
			logins: 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			login, sess, calls := loginSequence()
			sess.probes["94"] = []probe{{err: tc.err}, {date: day(t, "2030-01-01")}}
			sess.probes["95"] = []probe{{date: day(t, "2030-01-01")}}
			sleeper := &retrytest.Recorder{}

			seen := runUntil(t, func(hook Option) *Hunter {
				return New(configWithDate(t, "2025-06-01"), login, WithSleeper(sleeper), hook)
			}, afterTransitions(len(tc.want)))

			assert.Equal(t, tc.want, seen)
			assert.Equal(t, tc.logins, *calls)
			if tc.delay > 0 {
				assert.Equal(t, []time.Duration{tc.delay}, sleeper.Delays())
			} else {
				assert.Empty(t, sleeper.Delays())
			}
		})
	}
}

func TestErrorMidCycleSkipsRemainingLocations(t *testing.T) {
	login, sess, _ := loginSequence()
	sess.probes["94"] = []probe{{date: day(t, "2030-01-01")}}
	sess.probes["95"] = []probe{{err: &portal.Error{Kind: portal.KindRateLimited}}, {date: day(t, "2030-01-01")}}
	cfg := configWithDate(t, "2025-06-01")
	cfg.Locations = []string{"94", "95", "96"}
	sess.probes["96"] = []probe{{date: day(t, "2030-01-01")}}

	runUntil(t, func(hook Option) *Hunter {
		return New(cfg, login, WithSleeper(&retrytest.Recorder{}), hook)
	}, afterTransitions(4))

	assert.Equal(t, []string{"94", "95", "94", "95", "96"}, sess.probed)
}

func TestNotifierFailureDoesNotUndoBestDate(t *testing.T) {
	login, sess, _ := loginSequence()
	sess.probes["94"] = []probe{{date: day(t, "2025-02-01")}}
	sess.probes["95"] = []probe{{date: day(t, "2030-01-01")}}
	sess.reschedule = func(string, time.Time) bool { return true }

	var hunter *Hunter
	runUntil(t, func(hook Option) *Hunter {
		hunter = New(configWithDate(t, "2025-06-01"), login,
			WithSleeper(&retrytest.Recorder{}),
			WithNotifier(&memNotifier{err: errors.New("smtp down")}),
			hook)
		return hunter
	}, afterTransitions(2))

	assert.Equal(t, day(t, "2025-02-01"), hunter.BestDate())
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, 0, daysUntil(now, day(t, "2025-06-01")))
	assert.Equal(t, 30, daysUntil(now, day(t, "2025-07-01")))
	assert.Equal(t, -1, daysUntil(now, day(t, "2025-05-31")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "recovering-from-block", StateRecoveringFromBlock.String())
	assert.Equal(t, "unknown", State(99).String())
}
