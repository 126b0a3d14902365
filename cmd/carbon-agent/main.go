package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/bus"
	"github.com/aristosando/tabcarbon/internal/config"
	"github.com/aristosando/tabcarbon/internal/host"
	"github.com/aristosando/tabcarbon/internal/host/chromehost"
	"github.com/aristosando/tabcarbon/internal/host/prochost"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/mediator"
	"github.com/aristosando/tabcarbon/internal/ports"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/sampler"
	"github.com/aristosando/tabcarbon/internal/types"
	"github.com/aristosando/tabcarbon/internal/workload"
	"github.com/aristosando/tabcarbon/internal/wsclient"
)

const (
	serviceName     = "carbon-agent"
	scenarioTimeout = 20 * time.Minute
	reportTimeout   = 15 * time.Second
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	headless bool
	hostKind string
	include  string
	exclude  string
	duration time.Duration
	startURL string
	list     bool
	chrome   []string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (flags, error) {
	var f flags

	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.BoolVar(&f.headless, "headless", false, "run Chrome in headless mode")
	flagSet.StringVar(&f.hostKind, "host", "chrome", "where per-tab CPU time comes from: chrome or process")
	flagSet.StringVar(&f.include, "scenario", "idle", "comma-separated scenarios to run")
	flagSet.StringVar(&f.exclude, "exclude", "", "comma-separated scenarios to skip")
	flagSet.DurationVar(&f.duration, "duration", workload.DefaultDuration, "how long open-ended scenarios browse")
	flagSet.StringVar(&f.startURL, "url", "", "page the idle and navigation scenarios open")
	flagSet.BoolVar(&f.list, "list", false, "list available scenarios and exit")

	if err := flagSet.Parse(args); err != nil {
		return f, err
	}

	if f.hostKind != "chrome" && f.hostKind != "process" {
		return f, fmt.Errorf("--host must be chrome or process, got %q", f.hostKind)
	}

	// Everything after "--" goes to Chrome.
	f.chrome = flagSet.Args()

	return f, nil
}

func run() error {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	scenarios := workload.All(workload.Options{Duration: f.duration, StartURL: f.startURL})
	if f.list {
		printScenarios(os.Stdout, scenarios)
		return nil
	}

	selected := workload.Filter(scenarios, f.include, f.exclude)
	if len(selected) == 0 {
		return errors.New("no scenarios to run")
	}

	cfg, err := config.ParseAgent()
	if err != nil {
		return err
	}

	l, err := logger.NewLogger(logger.LoggerConfig{
		ServiceName:   serviceName,
		IsDevelopment: true,
		IsDebug:       cfg.Debug,
		InitialFields: []zap.Field{zap.String("version", version), zap.String("commit", commit)},
	})
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromeOptions(f.headless, f.chrome)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	b := bus.New()
	registry := ports.New(l)

	chrome := chromehost.New(browserCtx, b, l)
	defer chrome.Close()

	product, revision, err := chrome.Version(ctx)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	fmt.Printf("\n%s %s (%s)\nBrowser: %s (%s)\nClient: %s\n\n", serviceName, version, commit, product, revision, cfg.ClientID)

	var source host.Source = chrome
	if f.hostKind == "process" {
		source = prochost.New()
	}

	client, err := wsclient.New(cfg.ServerURL, l)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	med := mediator.New(mediator.Deps{
		Bus:       b,
		Ports:     registry,
		Tabs:      source,
		Sampler:   sampler.New(source, b, l, sampler.WithInterval(cfg.SampleInterval)),
		Transport: client,
		ClientID:  cfg.ClientID,
		Logger:    l,
	},
		mediator.WithSpikeThreshold(cfg.SpikeThreshold),
		mediator.WithRetry(cfg.TabRetryAttempts, cfg.TabRetryDelay),
	)

	registry.Register(ports.InspectorID, newConsoleInspector(l))

	if err := watchTabs(ctx, chrome, registry, med, l); err != nil {
		return err
	}

	toggle, err := med.Toggle(ctx, true)
	if err != nil {
		return err
	}
	l.Info("tracking on", zap.Any("toggle", toggle))

	// Scenarios drive the first page of the browser.
	results := runScenarios(browserCtx, selected)

	if _, err := med.Toggle(context.WithoutCancel(ctx), false); err != nil {
		l.Warn("toggle off failed", zap.Error(err))
	}

	var report *protocol.FinalReport
	select {
	case r := <-med.Reports():
		report = &r
	case <-time.After(reportTimeout):
		l.Warn("no final report received")
	}

	printSummary(os.Stdout, results, report)

	return nil
}

// watchTabs registers a channel for every open and future page and keeps the
// mediator informed about navigations.
func watchTabs(ctx context.Context, chrome *chromehost.Host, registry *ports.Registry, med *mediator.Mediator, l *zap.Logger) error {
	register := func(tab host.Tab) {
		ch, err := chrome.Channel(tab.ID)
		if err != nil {
			l.Debug("tab channel unavailable", logger.WithTabID(string(tab.ID)), zap.Error(err))
			return
		}
		registry.Register(tab.ID, ch)
	}

	tabs, err := chrome.Tabs(ctx)
	if err != nil {
		return err
	}
	for _, tab := range tabs {
		register(tab)
	}

	return chrome.Watch(ctx, chromehost.Events{
		OnCreated: register,
		OnUpdated: func(tab host.Tab) {
			if _, ok := registry.Get(tab.ID); !ok {
				register(tab)
			}
			med.OnTabUpdated(ctx, tab.ID)
		},
		OnDestroyed: registry.Unregister,
		OnMessage: func(from types.TabID, msg protocol.Message) {
			med.HandleChannelMessage(ctx, from, msg)
		},
	})
}

func runScenarios(ctx context.Context, scenarios []workload.Scenario) []*workload.Result {
	results := make([]*workload.Result, 0, len(scenarios))

	for _, s := range scenarios {
		if ctx.Err() != nil {
			break
		}
		fmt.Printf("Running scenario: %s\n", s.Name())

		scenarioCtx, cancel := context.WithTimeout(ctx, scenarioTimeout)
		result, err := s.Run(scenarioCtx)
		cancel()

		if result == nil {
			now := time.Now()
			result = &workload.Result{Scenario: s.Name(), StartTime: now, EndTime: now, Error: err}
		}
		results = append(results, result)
	}

	return results
}
