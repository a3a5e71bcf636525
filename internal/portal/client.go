package portal

import (
	"errors"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/example/visa-rescheduler/internal/logging"
	"github.com/example/visa-rescheduler/internal/retry"
	"github.com/example/visa-rescheduler/internal/telemetry"
)

var tracer = otel.Tracer("visasched/portal")

const (
	defaultHost      = "https://ais.usvisa-info.com"
	defaultLocale    = "en-il"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	dateLayout       = "2006-01-02"

	// SuccessMarker is the text the booking confirmation page carries.
	SuccessMarker = "Successfully Scheduled"
)

var (
	timesSchedule = retry.Schedule{Base: 500 * time.Millisecond, Factor: 1.7, MaxAttempts: 9}
	formSchedule  = retry.Schedule{Base: 100 * time.Millisecond, Factor: 1.7, MaxAttempts: 9}
	claimSchedule = retry.Schedule{Base: 100 * time.Millisecond, Factor: 1.7, MaxAttempts: 9}
)

// Options configures a Client. Username, Password and ScheduleID are required.
type Options struct {
	// BaseURL is the portal root including locale, e.g.
	// https://ais.usvisa-info.com/en-il/niv. Built from Locale when empty.
	BaseURL string
	Locale  string

	Username   string
	Password   string
	ScheduleID string

	// MinDate is the earliest date the prober accepts as real.
	MinDate time.Time

	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond caps outgoing requests per session. Zero disables it.
	RequestsPerSecond float64
	CloudflareBypass  bool

	ClaimPolicy ClaimPolicy
	Diagnostics DiagnosticWriter
	Sleeper     retry.Sleeper
	Logger      logging.Logger
}

func (o *Options) defaults() {
	if o.Locale == "" {
		o.Locale = defaultLocale
	}
	if o.BaseURL == "" {
		o.BaseURL = fmt.Sprintf("%s/%s/niv", defaultHost, o.Locale)
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Diagnostics == nil {
		o.Diagnostics = NopDiagnostics{}
	}
	if o.Sleeper == nil {
		o.Sleeper = retry.Real
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Client logs in to the portal. Every Login produces an independent Session.
type Client struct {
	opts Options
	base *url.URL
}

func New(opts Options) (*Client, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, errors.New("portal: username and password are required")
	}
	if opts.ScheduleID == "" {
		return nil, errors.New("portal: schedule id is required")
	}
	opts.defaults()
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("portal: base url: %w", err)
	}
	opts.Logger = opts.Logger.With("component", "portal")
	return &Client{opts: opts, base: base}, nil
}

// newHTTP builds a resty client with an empty cookie jar, so each login
// starts from a clean session.
func (c *Client) newHTTP() (*resty.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	hc := resty.New()
	hc.SetBaseURL(c.opts.BaseURL)
	hc.SetCookieJar(jar)
	if c.opts.CloudflareBypass {
		hc.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(hc.GetClient().Transport)
	}
	hc.SetHeader("user-agent", c.opts.UserAgent)
	hc.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(c.base.Hostname()))
	hc.SetTimeout(c.opts.Timeout)
	telemetry.InstrumentResty(hc, "visasched/portal/http")

	if c.opts.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(c.opts.RequestsPerSecond), 1)
		hc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}
	return hc, nil
}

// Session is an authenticated portal session. Requests on a session are
// sequential except for the time-slot lookup that Reschedule runs alongside
// the booking form fetch; neither side mutates the session.
type Session struct {
	http *resty.Client
	opts Options
	log  logging.Logger
}

func (s *Session) scheduleURL(parts ...string) string {
	return "/schedule/" + url.PathEscape(s.opts.ScheduleID) + "/appointment" + strings.Join(parts, "")
}
