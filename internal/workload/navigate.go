package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	defaultNewsURL = "https://www.theguardian.com/uk"

	defaultNavigateInterval = 45 * time.Second
	defaultMaxAttempts      = 10
	settleDelay             = 3 * time.Second
)

const linksScript = `Array.from(document.querySelectorAll('a[href]'))
	.filter(a => a.offsetParent !== null)
	.map(a => a.href)`

// RandomNavigate opens a news front page and keeps following random links
// that stay on the same site, pausing between navigations like a reader.
type RandomNavigate struct {
	StartURL    string
	Duration    time.Duration
	Interval    time.Duration
	MaxAttempts int

	rand *rand.Rand
}

func NewRandomNavigate(startURL string, duration time.Duration) *RandomNavigate {
	return &RandomNavigate{
		StartURL:    startURL,
		Duration:    duration,
		Interval:    defaultNavigateInterval,
		MaxAttempts: defaultMaxAttempts,
		rand:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (t *RandomNavigate) Name() string {
	return "random-navigate"
}

func (t *RandomNavigate) Run(ctx context.Context) (*Result, error) {
	result := newResult(t.Name())

	start, err := url.Parse(t.StartURL)
	if err != nil {
		return result.finish(fmt.Errorf("parse start url: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, t.Duration)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(t.StartURL), chromedp.Sleep(settleDelay)); err != nil {
		return result.finish(err)
	}

	navigations, failures := 0, 0
	for {
		ok, err := t.navigateOnce(ctx, start.Hostname())
		if err != nil {
			break
		}
		if ok {
			navigations++
		} else {
			failures++
		}

		if sleep(ctx, t.Interval) != nil {
			break
		}
	}

	var finalURL string
	_ = chromedp.Run(context.WithoutCancel(ctx), chromedp.Location(&finalURL))

	result.Metrics["navigations"] = navigations
	result.Metrics["failed_rounds"] = failures
	result.Metrics["final_url"] = finalURL

	if navigations == 0 && failures > 0 {
		return result.finish(errors.New("no same-site navigation succeeded"))
	}

	return result.finish(nil)
}

// navigateOnce tries up to MaxAttempts random links and reports whether one of
// them led to another page on site. It only errors when ctx is done.
func (t *RandomNavigate) navigateOnce(ctx context.Context, site string) (bool, error) {
	for attempt := 0; attempt < t.MaxAttempts; attempt++ {
		var before string
		var links []string
		if err := chromedp.Run(ctx,
			chromedp.Location(&before),
			chromedp.Evaluate(linksScript, &links),
		); err != nil {
			return false, err
		}

		next, ok := pickSameSite(links, site, before, t.rand)
		if !ok {
			return false, nil
		}

		var after string
		if err := chromedp.Run(ctx,
			chromedp.Navigate(next),
			chromedp.Sleep(settleDelay),
			chromedp.Location(&after),
		); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}

		if after != before && sameSite(after, site) {
			return true, nil
		}

		// Left the site or stayed put, start over from the front page.
		if err := chromedp.Run(ctx, chromedp.Navigate(t.StartURL), chromedp.Sleep(settleDelay)); err != nil {
			return false, err
		}
	}

	return false, nil
}

// pickSameSite picks a random link on site other than current.
func pickSameSite(links []string, site, current string, rnd *rand.Rand) (string, bool) {
	var candidates []string
	for _, link := range links {
		if link == current || !sameSite(link, site) {
			continue
		}
		candidates = append(candidates, link)
	}

	if len(candidates) == 0 {
		return "", false
	}

	return candidates[rnd.IntN(len(candidates))], true
}

// sameSite matches host and every subdomain of it.
func sameSite(link, site string) bool {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}

	host := strings.ToLower(u.Hostname())
	site = strings.ToLower(strings.TrimPrefix(site, "www."))

	return host == site || strings.HasSuffix(host, "."+site)
}
