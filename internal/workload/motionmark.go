package workload

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

const motionMarkURL = "https://browserbench.org/MotionMark/"

const motionMarkScoreScript = `(() => {
	const el = document.querySelector('.score-text');
	if (el) return parseFloat(el.textContent);
	const results = document.querySelector('#results');
	const match = results && results.textContent.match(/Score:\s*(\d+\.?\d*)/);
	return match ? parseFloat(match[1]) : 0;
})()`

const motionMarkSubscoresScript = `(() => {
	const scores = {};
	document.querySelectorAll('tr.test-row').forEach(row => {
		const name = row.querySelector('.test-name');
		const score = row.querySelector('.score');
		if (name && score) scores[name.textContent.trim()] = parseFloat(score.textContent);
	});
	return scores;
})()`

// MotionMark runs the MotionMark graphics benchmark, a sustained CPU and GPU
// load on a single tab.
type MotionMark struct{}

func (t *MotionMark) Name() string {
	return "motionmark"
}

func (t *MotionMark) Run(ctx context.Context) (*Result, error) {
	result := newResult(t.Name())

	var score float64
	var subscores map[string]float64

	err := chromedp.Run(ctx,
		chromedp.Navigate(motionMarkURL),
		chromedp.WaitVisible(`#intro`),
		chromedp.Evaluate(`benchmarkController.startBenchmark()`, nil),
		// Takes several minutes.
		chromedp.WaitVisible(`#results`, chromedp.ByID),
		chromedp.Evaluate(motionMarkScoreScript, &score),
		chromedp.Evaluate(motionMarkSubscoresScript, &subscores),
	)
	if err != nil {
		return result.finish(err)
	}

	result.Metrics["overall_score"] = score
	for name, value := range subscores {
		result.Metrics[fmt.Sprintf("subscore_%s", name)] = value
	}

	return result.finish(nil)
}
