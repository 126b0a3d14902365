package main

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/protocol"
)

func chromeOptions(headless bool, extra []string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		// Measured transfers must hit the network.
		chromedp.Flag("disk-cache-size", 1),
	)

	for _, flag := range extra {
		name, value, ok := strings.Cut(strings.TrimLeft(flag, "-"), "=")
		if ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	return opts
}

// consoleInspector stands in for the devtools panel: it logs what the agent
// would show there.
type consoleInspector struct {
	logger *zap.Logger
	done   chan struct{}
}

func newConsoleInspector(logger *zap.Logger) *consoleInspector {
	return &consoleInspector{logger: logger, done: make(chan struct{})}
}

func (c *consoleInspector) Send(_ context.Context, msg protocol.Message) error {
	switch p := msg.Payload.(type) {
	case protocol.TrackingState:
		c.logger.Info("inspector: tracking state", zap.Bool("state", p.State))
	case protocol.Report:
		c.logger.Info("inspector: final report",
			zap.Int("tabs", len(p.AggregatedCPUUsage.Payload)),
			zap.Float64("device", p.CO2Emissions.Payload.Device.Actual),
			zap.Float64("network", p.CO2Emissions.Payload.Network.Actual),
		)
	default:
		c.logger.Debug("inspector: message", zap.String("type", string(msg.Type())))
	}
	return nil
}

func (c *consoleInspector) Done() <-chan struct{} {
	return c.done
}
