// Package workload contains scripted browsing scenarios the agent drives while
// tracking is on, so that tabs produce CPU and network telemetry.
package workload

import (
	"context"
	"slices"
	"strings"
	"time"
)

const DefaultDuration = 2 * time.Minute

type Result struct {
	Scenario  string
	StartTime time.Time
	EndTime   time.Time
	Success   bool
	Error     error
	Metrics   map[string]any
}

func newResult(name string) *Result {
	return &Result{
		Scenario:  name,
		StartTime: time.Now(),
		Metrics:   make(map[string]any),
	}
}

func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// finish stamps the end time and records err, if any.
func (r *Result) finish(err error) (*Result, error) {
	r.EndTime = time.Now()
	r.Success = err == nil
	r.Error = err
	return r, err
}

// Scenario runs against the browser bound to ctx.
type Scenario interface {
	Name() string
	Run(ctx context.Context) (*Result, error)
}

type Options struct {
	// Duration bounds how long the open-ended scenarios keep browsing.
	Duration time.Duration
	// StartURL overrides the page the idle and navigation scenarios open.
	StartURL string
}

// All returns every scenario the agent knows, in listing order.
func All(opts Options) []Scenario {
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}

	idleURL, newsURL := defaultIdleURL, defaultNewsURL
	if opts.StartURL != "" {
		idleURL, newsURL = opts.StartURL, opts.StartURL
	}

	scenarios := []Scenario{
		&Idle{URL: idleURL, Duration: opts.Duration},
		NewRandomNavigate(newsURL, opts.Duration),
		&MotionMark{},
	}
	for _, v := range streamingVideos {
		scenarios = append(scenarios, &Video{name: v.Name, videoURL: v.URL, resolution: v.Resolution, playFor: opts.Duration})
	}

	return scenarios
}

// Filter keeps the scenarios named in include (all of them when include is
// empty) minus the ones named in exclude. Both lists are comma separated.
func Filter(all []Scenario, include, exclude string) []Scenario {
	included := splitNames(include)
	excluded := splitNames(exclude)

	var filtered []Scenario
	for _, s := range all {
		name := s.Name()
		if slices.Contains(excluded, name) {
			continue
		}
		if len(included) == 0 || slices.Contains(included, name) {
			filtered = append(filtered, s)
		}
	}

	return filtered
}

func splitNames(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func Names(scenarios []Scenario) []string {
	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.Name())
	}
	return names
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func getFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return 0
	}
}
