package workload

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultIdleURL = "https://wiki.xxiivv.com/site/uxntal.html"

// Idle opens a page and leaves it alone, measuring the background cost of an
// open tab.
type Idle struct {
	URL      string
	Duration time.Duration
}

func (t *Idle) Name() string {
	return "idle"
}

func (t *Idle) Run(ctx context.Context) (*Result, error) {
	result := newResult(t.Name())

	if t.URL != "" {
		var title string
		if err := chromedp.Run(ctx,
			chromedp.Navigate(t.URL),
			chromedp.WaitReady("body"),
			chromedp.Title(&title),
		); err != nil {
			return result.finish(err)
		}
		result.Metrics["url"] = t.URL
		result.Metrics["title"] = title
	}

	err := sleep(ctx, t.Duration)
	if errors.Is(err, context.DeadlineExceeded) {
		// The caller's deadline is the normal end of an idle run.
		err = nil
	}

	result.Metrics["idle_seconds"] = time.Since(result.StartTime).Seconds()

	return result.finish(err)
}
