package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/jobhound-dev/jobhound/internal/config"
	"github.com/jobhound-dev/jobhound/internal/cost"
	"github.com/jobhound-dev/jobhound/internal/ratelimit"
	"github.com/jobhound-dev/jobhound/internal/safety"
	"github.com/jobhound-dev/jobhound/internal/stop"
	"github.com/jobhound-dev/jobhound/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if useDev {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: jobhound [-config path] [-dev] <command> [args]

commands:
  status                    print the safety snapshot for a subject
  stop -reason <text>       activate the emergency stop
  resume                    deactivate the emergency stop
  events [-hours n]         list recent safety events
  resolve -id n -action t   resolve a safety event

`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "jobhound.toml", "path to config file")
	dev := flag.Bool("dev", false, "use colorized text log format (default is JSON)")
	subject := flag.String("subject", "default", "subject whose limits the command reports on")
	actor := flag.String("actor", "operator", "actor recorded on stop/resume/resolve actions")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var cfg *config.Config
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobhound: %v\n", err)
			os.Exit(1)
		}
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	if dbPath == "" {
		dbPath = "jobhound.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var flags stop.FlagStore
	if addr := strings.TrimSpace(cfg.Stop.RedisAddr); addr != "" {
		flags = stop.NewRedisFlagStore(redis.NewClient(&redis.Options{Addr: addr}), cfg.Stop.RedisKey)
	} else {
		flags = stop.NewFileFlagStore(config.ExpandHome(cfg.Stop.MarkerFile))
	}
	stopCtrl := stop.NewController(flags, st, cfg.Stop.CheckInterval.Duration, logger.With("component", "stop"))

	limiters := map[string]*ratelimit.Limiter{
		"applications": ratelimit.NewLimiter(st, "applications", ratelimit.Limits{
			PerHour: cfg.RateLimits.ApplicationsPerHour,
			PerDay:  cfg.RateLimits.ApplicationsPerDay,
		}),
		"scrapes": ratelimit.NewLimiter(st, "scrapes", ratelimit.Limits{
			PerHour: cfg.RateLimits.ScrapesPerHour,
			PerDay:  cfg.RateLimits.ScrapesPerDay,
		}),
	}
	costs := cost.NewTracker(cfg.Costs.MaxPerHourUSD, cfg.Costs.MaxPerDayUSD)
	pricing := cost.Pricing{
		InputPerMtokUSD:  cfg.Costs.InputPerMtokUSD,
		OutputPerMtokUSD: cfg.Costs.OutputPerMtokUSD,
	}
	orch := safety.New(st, stopCtrl, limiters, costs, pricing, safety.Thresholds{
		MaxConsecutiveFailures: cfg.Safety.MaxConsecutiveFailures,
		FailureCooldown:        cfg.Safety.FailureCooldown.Duration,
	}, logger.With("component", "safety"))

	ctx := context.Background()
	args := flag.Args()

	var cmdErr error
	switch args[0] {
	case "status":
		cmdErr = runStatus(ctx, orch, st, *subject)
	case "stop":
		cmdErr = runStop(ctx, stopCtrl, args[1:], *actor)
	case "resume":
		cmdErr = stopCtrl.Deactivate(ctx, *actor)
	case "events":
		cmdErr = runEvents(st, args[1:])
	case "resolve":
		cmdErr = runResolve(st, args[1:], *actor)
	default:
		fmt.Fprintf(os.Stderr, "jobhound: unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "jobhound: %v\n", cmdErr)
		os.Exit(1)
	}
}

func runStatus(ctx context.Context, orch *safety.Orchestrator, st *store.Store, subject string) error {
	snap, err := orch.Status(ctx, subject)
	if err != nil {
		return err
	}

	fmt.Printf("emergency stop:        %s\n", onOff(snap.StopActive))
	fmt.Printf("consecutive failures:  %d\n", snap.ConsecutiveFailures)
	if !snap.LastFailureTime.IsZero() {
		fmt.Printf("last failure:          %s\n", snap.LastFailureTime.Format(time.RFC3339))
	}
	fmt.Printf("unresolved events:     %d\n", snap.UnresolvedEvents)
	fmt.Printf("spend:                 $%.2f/$%.2f hourly, $%.2f/$%.2f daily\n",
		snap.Cost.HourlySpend, snap.Cost.HourlyCeiling, snap.Cost.DailySpend, snap.Cost.DailyCeiling)
	for resource, rate := range snap.Rates {
		fmt.Printf("%-22s %d/%d hourly, %d/%d daily\n", resource+":",
			rate.HourlyCount, rate.HourlyLimit, rate.DailyCount, rate.DailyLimit)
	}

	spend24h, err := st.TotalSpendSince(24 * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("ledger, last 24h:      $%.2f\n", spend24h)
	return nil
}

func onOff(active bool) string {
	if active {
		return "ACTIVE"
	}
	return "inactive"
}

func runStop(ctx context.Context, stopCtrl *stop.Controller, args []string, actor string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	reason := fs.String("reason", "", "why the stop is being engaged (required)")
	fs.Parse(args)

	if strings.TrimSpace(*reason) == "" {
		return fmt.Errorf("stop requires -reason")
	}
	return stopCtrl.Activate(ctx, *reason, actor)
}

func runEvents(st *store.Store, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	hours := fs.Int("hours", 24, "how far back to list events")
	fs.Parse(args)

	events, err := st.RecentSafetyEvents(time.Duration(*hours) * time.Hour)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("no safety events in the last %dh\n", *hours)
		return nil
	}

	for _, e := range events {
		state := "open"
		if e.Resolved {
			state = "resolved"
		}
		fmt.Printf("#%-5d %-20s %-8s %-8s %s\n",
			e.ID, e.EventType, e.Severity, state, e.Description)
	}
	return nil
}

func runResolve(st *store.Store, args []string, actor string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	id := fs.Int64("id", 0, "event id to resolve (required)")
	action := fs.String("action", "", "what was done about it (required)")
	fs.Parse(args)

	if *id <= 0 {
		return fmt.Errorf("resolve requires -id")
	}
	if strings.TrimSpace(*action) == "" {
		return fmt.Errorf("resolve requires -action")
	}
	if err := st.ResolveSafetyEvent(*id, *action, actor); err != nil {
		return err
	}
	fmt.Printf("event #%d resolved\n", *id)
	return nil
}
