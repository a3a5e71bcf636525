package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/example/visa-rescheduler/internal/config"
	"github.com/example/visa-rescheduler/internal/hunt"
	"github.com/example/visa-rescheduler/internal/logging"
	"github.com/example/visa-rescheduler/internal/notify"
	"github.com/example/visa-rescheduler/internal/portal"
	"github.com/example/visa-rescheduler/internal/store"
	"github.com/example/visa-rescheduler/internal/telemetry"
)

type huntFlags struct {
	configFile string

	username    string
	password    string
	scheduleID  string
	currentDate string
	locations   string

	delaySeconds     int
	rateLimitSeconds int
	blockedCooldown  string
	minDate          string

	locale            string
	baseURL           string
	claimPolicy       string
	requestsPerSecond float64
	noCloudflare      bool

	diagDir  string
	logFile  string
	logLevel string

	historyURL   string
	otlpEndpoint string
}

func (f *huntFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "json5 config file; <name>.local.<ext> next to it overrides it")

	fs.StringVarP(&f.username, "username", "u", "", "portal account e-mail")
	fs.StringVarP(&f.password, "password", "p", "", "portal password (prefer VISASCHED_PASSWORD)")
	fs.StringVarP(&f.scheduleID, "schedule", "s", "", "schedule id from the portal URL")
	fs.StringVarP(&f.currentDate, "current-date", "c", "", "date of the appointment you hold, YYYY-MM-DD")
	fs.StringVarP(&f.locations, "locations", "l", "", "comma-separated facility ids, polled in order")

	fs.IntVarP(&f.delaySeconds, "delay", "i", 3, "seconds to wait after every probe")
	fs.IntVarP(&f.rateLimitSeconds, "rate-limit-delay", "t", 10, "seconds to wait after being rate limited or failing to log in")
	fs.StringVar(&f.blockedCooldown, "blocked-cooldown", "4h", "wait after the portal stops offering dates")
	fs.StringVar(&f.minDate, "min-date", "", "ignore dates before this one, YYYY-MM-DD (default today)")

	fs.StringVar(&f.locale, "locale", "en-il", "portal locale path segment")
	fs.StringVar(&f.baseURL, "base-url", "", "portal root, overrides --locale")
	fs.StringVar(&f.claimPolicy, "claim-policy", portal.ClaimRetrySlot.String(), "on a rejected claim: retry-slot or advance-slot")
	fs.Float64Var(&f.requestsPerSecond, "requests-per-second", 0, "cap on portal requests per second, 0 for none")
	fs.BoolVar(&f.noCloudflare, "no-cloudflare-bypass", false, "use the plain HTTP transport")

	fs.StringVar(&f.diagDir, "diag-dir", ".", "directory for claim response bodies")
	fs.StringVar(&f.logFile, "log-file", "log.txt", "log file, appended to and mirrored to stdout")
	fs.StringVar(&f.logLevel, "log-level", "debug", "debug, info, warn or error")

	fs.StringVar(&f.historyURL, "history-url", "", "postgres:// or sqlite:// url to record attempts in")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint for traces")
}

// config returns only what was given on the command line, so flag defaults
// never hide values from the config file or environment.
func (f *huntFlags) config(fs *pflag.FlagSet) config.Config {
	var c config.Config
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("username", func() { c.Username = f.username })
	set("password", func() { c.Password = f.password })
	set("schedule", func() { c.ScheduleID = f.scheduleID })
	set("current-date", func() { c.CurrentDate = f.currentDate })
	set("locations", func() { c.Locations = config.SplitList(f.locations) })
	set("delay", func() { c.Delay = strconv.Itoa(f.delaySeconds) })
	set("rate-limit-delay", func() { c.RateLimitDelay = strconv.Itoa(f.rateLimitSeconds) })
	set("blocked-cooldown", func() { c.BlockedCooldown = f.blockedCooldown })
	set("min-date", func() { c.MinDate = f.minDate })
	set("locale", func() { c.Locale = f.locale })
	set("base-url", func() { c.BaseURL = f.baseURL })
	set("claim-policy", func() { c.ClaimPolicy = f.claimPolicy })
	set("requests-per-second", func() { c.RequestsPerSecond = &f.requestsPerSecond })
	set("no-cloudflare-bypass", func() { c.DisableCloudflareBypass = &f.noCloudflare })
	set("diag-dir", func() { c.DiagDir = f.diagDir })
	set("log-file", func() { c.LogFile = f.logFile })
	set("log-level", func() { c.LogLevel = f.logLevel })
	set("history-url", func() { c.HistoryURL = f.historyURL })
	set("otlp-endpoint", func() { c.OTLPEndpoint = f.otlpEndpoint })
	return c
}

// resolve layers the config file, the environment and the flags.
func (f *huntFlags) resolve(fs *pflag.FlagSet, getenv func(string) string, now time.Time) (config.Hunt, error) {
	var file config.Config
	if f.configFile != "" {
		var err error
		if file, err = config.ReadFile(f.configFile, nil); err != nil {
			return config.Hunt{}, err
		}
	}
	cfg, err := config.Layer(file, config.FromEnv(getenv), f.config(fs))
	if err != nil {
		return config.Hunt{}, err
	}
	return cfg.Resolve(now)
}

func newHuntCmd() *cobra.Command {
	var flags huntFlags

	c := &cobra.Command{
		Use:   "hunt",
		Short: "Poll the portal and reschedule whenever an earlier date opens",
		Long: `Logs in, polls every location for its earliest open date and books any date
earlier than the appointment currently held. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve(cmd.Flags(), os.Getenv, time.Now())
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runHunt(ctx, cfg)
		},
	}
	flags.register(c.Flags())
	return c
}

func runHunt(ctx context.Context, cfg config.Hunt) error {
	log, closeLog, err := logging.Open(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdown, err := telemetry.Setup(ctx, "visasched", Version, cfg.OTLPEndpoint, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown", "err", err)
		}
	}()

	history, err := store.Open(ctx, cfg.HistoryURL)
	if err != nil {
		return err
	}
	defer history.Close()

	client, err := portal.New(portal.Options{
		BaseURL:           cfg.BaseURL,
		Locale:            cfg.Locale,
		Username:          cfg.Username,
		Password:          cfg.Password,
		ScheduleID:        cfg.ScheduleID,
		MinDate:           cfg.MinDate,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RequestsPerSecond,
		CloudflareBypass:  cfg.CloudflareBypass,
		ClaimPolicy:       cfg.ClaimPolicy,
		Diagnostics:       portal.NewFilesystemOutput(cfg.DiagDir, log),
		Logger:            log,
	})
	if err != nil {
		return err
	}

	opts := []hunt.Option{
		hunt.WithLogger(log),
		hunt.WithHistory(history),
		hunt.WithRunID(uuid.NewString()),
	}
	if cfg.SMTP.Enabled() {
		opts = append(opts, hunt.WithNotifier(notify.NewMailer(notify.SMTPConfig{
			Server:   cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		})))
	}

	hunter := hunt.New(hunt.Config{
		Locations:       cfg.Locations,
		CurrentDate:     cfg.CurrentDate,
		Delay:           cfg.Delay,
		RateLimitDelay:  cfg.RateLimitDelay,
		BlockedCooldown: cfg.BlockedCooldown,
	}, sessionLogin(client), opts...)

	err = hunter.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down", "best", hunter.BestDate().Format(time.DateOnly), "attempts", hunter.Attempts())
		return nil
	}
	return err
}

// sessionLogin adapts Client.Login so a failed login yields a nil interface
// rather than a typed nil *portal.Session.
func sessionLogin(c *portal.Client) hunt.LoginFunc {
	return func(ctx context.Context) (hunt.Session, error) {
		s, err := c.Login(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
