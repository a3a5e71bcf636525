package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"

	"github.com/example/visa-rescheduler/internal/logging"
	"github.com/example/visa-rescheduler/internal/portal"
)

const dateLayout = "2006-01-02"

// Config is the raw hunt configuration as written in a config file, the
// environment or on the command line. Durations are Go duration strings;
// a bare number is read as seconds. Options whose zero value is meaningful
// are pointers so a later layer can set them back to zero.
type Config struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	ScheduleID  string   `json:"schedule_id"`
	CurrentDate string   `json:"current_date"`
	Locations   []string `json:"locations"`

	Delay           string `json:"delay"`
	RateLimitDelay  string `json:"rate_limit_delay"`
	BlockedCooldown string `json:"blocked_cooldown"`
	MinDate         string `json:"min_date"`

	Locale                  string   `json:"locale"`
	BaseURL                 string   `json:"base_url"`
	UserAgent               string   `json:"user_agent"`
	RequestsPerSecond       *float64 `json:"requests_per_second"`
	DisableCloudflareBypass *bool    `json:"disable_cloudflare_bypass"`
	ClaimPolicy             string   `json:"claim_policy"`

	DiagDir  string `json:"diag_dir"`
	LogFile  string `json:"log_file"`
	LogLevel string `json:"log_level"`

	HistoryURL   string `json:"history_url"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	SMTP         SMTP   `json:"smtp"`
}

type SMTP struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

func (s SMTP) Enabled() bool {
	return s.Host != "" && len(s.To) > 0
}

func Defaults() Config {
	return Config{
		Delay:           "3s",
		RateLimitDelay:  "10s",
		BlockedCooldown: "4h",
		Locale:          "en-il",
		ClaimPolicy:     portal.ClaimRetrySlot.String(),
		DiagDir:         ".",
		LogFile:         "log.txt",
		LogLevel:        "debug",
		SMTP:            SMTP{Port: 587},
	}
}

// Layer merges the given configs in increasing priority; set fields of a
// later config win. Fields left empty by every layer take their default.
func Layer(layers ...Config) (Config, error) {
	var out Config
	for _, l := range layers {
		if err := mergo.Merge(&out, l, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return Config{}, fmt.Errorf("merge config: %w", err)
		}
	}
	if err := mergo.Merge(&out, Defaults()); err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}
	return out, nil
}

func splitExt(f string) (string, string) {
	for i := len(f) - 1; i >= 0; i-- {
		if f[i] == '.' {
			return f[0:i], f[i+1:]
		}
	}
	return f, ""
}

// ReadFile reads the json5 file at name and merges <name>.local.<ext> over it
// when that exists. os.ErrNotExist is returned only if neither file exists.
func ReadFile(name string, log logging.Logger) (Config, error) {
	var out Config
	allNotFound := true

	prefix, ext := splitExt(filepath.Base(name))
	localPath := filepath.Join(filepath.Dir(name), fmt.Sprintf("%s.local.%s", prefix, ext))

	base, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(base) > 0 {
		if err := json5.Unmarshal(base, &out); err != nil {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		allNotFound = false
	}

	local, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(local) > 0 {
		var override Config
		if err := json5.Unmarshal(local, &override); err != nil {
			return out, fmt.Errorf("%s: %w", localPath, err)
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return out, err
		}
		if log != nil {
			log.Info("merging config with local overrides", "local", localPath)
		}
		allNotFound = false
	}

	if allNotFound {
		return out, os.ErrNotExist
	}
	return out, nil
}

// FromEnv reads the VISASCHED_* variables. Secrets are expected here rather
// than on the command line.
func FromEnv(getenv func(string) string) Config {
	cfg := Config{
		Username:     getenv("VISASCHED_USERNAME"),
		Password:     getenv("VISASCHED_PASSWORD"),
		ScheduleID:   getenv("VISASCHED_SCHEDULE_ID"),
		HistoryURL:   getenv("VISASCHED_HISTORY_URL"),
		OTLPEndpoint: getenv("VISASCHED_OTLP_ENDPOINT"),
		LogLevel:     getenv("VISASCHED_LOG_LEVEL"),
		SMTP: SMTP{
			Host:     getenv("VISASCHED_SMTP_HOST"),
			Username: getenv("VISASCHED_SMTP_USERNAME"),
			Password: getenv("VISASCHED_SMTP_PASSWORD"),
			From:     getenv("VISASCHED_SMTP_FROM"),
		},
	}
	if to := getenv("VISASCHED_SMTP_TO"); to != "" {
		cfg.SMTP.To = SplitList(to)
	}
	if port, err := strconv.Atoi(getenv("VISASCHED_SMTP_PORT")); err == nil {
		cfg.SMTP.Port = port
	}
	return cfg
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MissingError lists required options that were not given.
type MissingError struct {
	Fields []string
}

func (e *MissingError) Error() string {
	return "missing required options: " + strings.Join(e.Fields, ", ")
}

func (c Config) Validate() error {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("username", c.Username)
	check("password", c.Password)
	check("schedule", c.ScheduleID)
	check("current date", c.CurrentDate)
	if len(c.Locations) == 0 {
		missing = append(missing, "locations")
	}
	if len(missing) > 0 {
		return &MissingError{Fields: missing}
	}
	return nil
}

// Hunt is the resolved, typed configuration. It is never mutated after
// Resolve.
type Hunt struct {
	Username    string
	Password    string
	ScheduleID  string
	CurrentDate time.Time
	MinDate     time.Time
	Locations   []string

	Delay           time.Duration
	RateLimitDelay  time.Duration
	BlockedCooldown time.Duration

	Locale            string
	BaseURL           string
	UserAgent         string
	RequestsPerSecond float64
	CloudflareBypass  bool
	ClaimPolicy       portal.ClaimPolicy

	DiagDir  string
	LogFile  string
	LogLevel slog.Level

	HistoryURL   string
	OTLPEndpoint string
	SMTP         SMTP
}

// Resolve validates c and converts it. now supplies the default minimum date.
func (c Config) Resolve(now time.Time) (Hunt, error) {
	if err := c.Validate(); err != nil {
		return Hunt{}, err
	}

	var errs []error
	h := Hunt{
		Username:          c.Username,
		Password:          c.Password,
		ScheduleID:        c.ScheduleID,
		Locale:            c.Locale,
		BaseURL:           c.BaseURL,
		UserAgent:         c.UserAgent,
		RequestsPerSecond: deref(c.RequestsPerSecond),
		CloudflareBypass:  !deref(c.DisableCloudflareBypass),
		DiagDir:           c.DiagDir,
		LogFile:           c.LogFile,
		HistoryURL:        c.HistoryURL,
		OTLPEndpoint:      c.OTLPEndpoint,
		SMTP:              c.SMTP,
	}

	var err error
	if h.CurrentDate, err = time.Parse(dateLayout, strings.TrimSpace(c.CurrentDate)); err != nil {
		errs = append(errs, fmt.Errorf("current date %q: want YYYY-MM-DD", c.CurrentDate))
	}
	if c.MinDate == "" {
		h.MinDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else if h.MinDate, err = time.Parse(dateLayout, strings.TrimSpace(c.MinDate)); err != nil {
		errs = append(errs, fmt.Errorf("min date %q: want YYYY-MM-DD", c.MinDate))
	}

	for _, loc := range c.Locations {
		h.Locations = append(h.Locations, SplitList(loc)...)
	}
	if len(h.Locations) == 0 {
		errs = append(errs, errors.New("locations: no location ids given"))
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delay", c.Delay, &h.Delay},
		{"rate limit delay", c.RateLimitDelay, &h.RateLimitDelay},
		{"blocked cooldown", c.BlockedCooldown, &h.BlockedCooldown},
	} {
		v, err := ParseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		*d.dst = v
	}

	if h.ClaimPolicy, err = portal.ParseClaimPolicy(c.ClaimPolicy); err != nil {
		errs = append(errs, err)
	}
	if h.LogLevel, err = logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if h.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests per second must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return Hunt{}, err
	}
	return h, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// ParseDuration accepts Go duration strings and bare numbers of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
