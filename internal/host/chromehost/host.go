// Package chromehost implements the host contracts over the Chrome DevTools
// Protocol. Page targets are tabs, Performance.getMetrics TaskDuration is the
// per-tab CPU time, and Network events become HAR entries.
package chromehost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/bus"
	"github.com/aristosando/tabcarbon/internal/host"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

const (
	metricTaskDuration = "TaskDuration"
	metricJSHeapUsed   = "JSHeapUsedSize"

	commandTimeout = 5 * time.Second

	// sendBinding is the page function that carries messages to the agent.
	sendBinding = "__tabcarbonSend"
)

var ErrUnknownTab = errors.New("unknown tab")

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) []bus.Result
}

type attached struct {
	ctx     context.Context
	cancel  context.CancelFunc
	closed  chan struct{}
	tracker *requestTracker
}

type Host struct {
	browserCtx context.Context
	publisher  Publisher
	logger     *zap.Logger

	mu        sync.Mutex
	tabs      map[target.ID]*attached
	urls      map[target.ID]string
	onMessage func(types.TabID, protocol.Message)
}

var (
	_ host.Source  = (*Host)(nil)
	_ host.Labeler = (*Host)(nil)
)

// New wraps a chromedp context that is already bound to a browser.
func New(browserCtx context.Context, publisher Publisher, logger *zap.Logger) *Host {
	return &Host{
		browserCtx: browserCtx,
		publisher:  publisher,
		logger:     logger,
		tabs:       make(map[target.ID]*attached),
		urls:       make(map[target.ID]string),
	}
}

// Version returns the browser product and revision.
func (h *Host) Version(ctx context.Context) (product, revision string, err error) {
	err = h.run(ctx, h.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		browserCtx := cdp.WithExecutor(ctx, c.Browser)
		var err error
		_, product, revision, _, _, err = browser.GetVersion().Do(browserCtx)
		return err
	}))
	return product, revision, err
}

func (h *Host) pages(ctx context.Context) ([]*target.Info, error) {
	infos, err := chromedp.Targets(h.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	pages := make([]*target.Info, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}

	return pages, ctx.Err()
}

func (h *Host) Tabs(ctx context.Context) ([]host.Tab, error) {
	pages, err := h.pages(ctx)
	if err != nil {
		return nil, err
	}

	tabs := make([]host.Tab, 0, len(pages))
	for _, p := range pages {
		tabs = append(tabs, tabFromInfo(p))
	}

	return tabs, nil
}

func tabFromInfo(info *target.Info) host.Tab {
	return host.Tab{
		ID:            types.TabID(info.TargetID),
		OuterWindowID: string(info.TargetID),
		Title:         info.Title,
		URL:           info.URL,
	}
}

// ProcessTree reports each page as its own child process. CDP does not expose
// renderer pids per target, so PID is left zero.
func (h *Host) ProcessTree(ctx context.Context) (host.Snapshot, error) {
	pages, err := h.pages(ctx)
	if err != nil {
		return host.Snapshot{}, err
	}

	snapshot := host.Snapshot{TakenAt: time.Now()}
	for _, p := range pages {
		tab, err := h.attach(p.TargetID)
		if err != nil {
			h.logger.Debug("attach to page failed", logger.WithTabID(string(p.TargetID)), zap.Error(err))
			continue
		}

		var metrics []*performance.Metric
		err = h.run(ctx, tab.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			metrics, err = performance.GetMetrics().Do(ctx)
			return err
		}))
		if err != nil {
			h.logger.Debug("performance metrics failed", logger.WithTabID(string(p.TargetID)), zap.Error(err))
			continue
		}

		child := host.ChildProcess{Windows: []host.Window{{OuterWindowID: string(p.TargetID)}}}
		for _, m := range metrics {
			switch m.Name {
			case metricTaskDuration:
				child.CPUTime = time.Duration(m.Value * float64(time.Second))
			case metricJSHeapUsed:
				child.Memory = uint64(m.Value)
			}
		}
		snapshot.Children = append(snapshot.Children, child)
	}

	return snapshot, nil
}

// ActiveTab returns the first page whose document is visible.
func (h *Host) ActiveTab(ctx context.Context) (host.Tab, bool, error) {
	pages, err := h.pages(ctx)
	if err != nil {
		return host.Tab{}, false, err
	}

	for _, p := range pages {
		tab, err := h.attach(p.TargetID)
		if err != nil {
			continue
		}

		var state string
		if err := h.run(ctx, tab.ctx, chromedp.Evaluate(`document.visibilityState`, &state)); err != nil {
			continue
		}
		if state == "visible" {
			return tabFromInfo(p), true, nil
		}
	}

	return host.Tab{}, false, nil
}

func (h *Host) Label(ctx context.Context, outerWindowID string) (string, error) {
	pages, err := h.pages(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range pages {
		if string(p.TargetID) == outerWindowID {
			return p.Title, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTab, outerWindowID)
}

// attach returns the session of a page, creating it on first use. New sessions
// install the in-page receiver and start network capture.
func (h *Host) attach(id target.ID) (*attached, error) {
	h.mu.Lock()
	if a, ok := h.tabs[id]; ok {
		h.mu.Unlock()
		return a, nil
	}

	ctx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(id))
	a := &attached{
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		tracker: newRequestTracker(types.TabID(id)),
	}
	h.tabs[id] = a
	h.mu.Unlock()

	chromedp.ListenTarget(ctx, func(ev any) {
		if call, ok := ev.(*runtime.EventBindingCalled); ok {
			if call.Name == sendBinding {
				go h.receive(types.TabID(id), call.Payload)
			}
			return
		}
		if entry, ok := a.tracker.handle(ev); ok {
			go h.publisher.Publish(context.WithoutCancel(ctx), host.TopicNetworkData, entry)
		}
	})

	err := chromedp.Run(ctx,
		performance.Enable(),
		network.Enable(),
		runtime.AddBinding(sendBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(receiverScript).Do(ctx)
			return err
		}),
		chromedp.Evaluate(receiverScript, nil),
	)
	if err != nil {
		h.detach(id)
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}

	return a, nil
}

func (h *Host) detach(id target.ID) {
	h.mu.Lock()
	a, ok := h.tabs[id]
	delete(h.tabs, id)
	h.mu.Unlock()

	if ok {
		close(a.closed)
		a.cancel()
	}
}

// run executes actions on tabCtx, bounded by ctx and commandTimeout.
func (h *Host) run(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(tabCtx, commandTimeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// Events are callbacks for page lifecycle changes.
type Events struct {
	OnCreated   func(tab host.Tab)
	OnUpdated   func(tab host.Tab)
	OnDestroyed func(id types.TabID)
	// OnMessage receives what a page passed to window.__tabcarbonSend.
	OnMessage func(from types.TabID, msg protocol.Message)
}

// Watch enables target discovery and forwards page lifecycle events until the
// browser context ends. Callbacks run on their own goroutines.
func (h *Host) Watch(ctx context.Context, events Events) error {
	h.mu.Lock()
	h.onMessage = events.OnMessage
	h.mu.Unlock()

	chromedp.ListenBrowser(h.browserCtx, func(ev any) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo.Type != "page" {
				return
			}
			h.navigated(e.TargetInfo.TargetID, e.TargetInfo.URL)
			if events.OnCreated != nil {
				go events.OnCreated(tabFromInfo(e.TargetInfo))
			}
		case *target.EventTargetInfoChanged:
			// Title changes fire this too; only navigations count as updates.
			if e.TargetInfo.Type != "page" || !h.navigated(e.TargetInfo.TargetID, e.TargetInfo.URL) {
				return
			}
			if events.OnUpdated != nil {
				go events.OnUpdated(tabFromInfo(e.TargetInfo))
			}
		case *target.EventTargetDestroyed:
			h.forget(e.TargetID)
			h.detach(e.TargetID)
			if events.OnDestroyed != nil {
				go events.OnDestroyed(types.TabID(e.TargetID))
			}
		}
	})

	return h.run(ctx, h.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	}))
}

// navigated records url as the page's location and reports whether it changed.
func (h *Host) navigated(id target.ID, url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.urls[id]; ok && last == url {
		return false
	}
	h.urls[id] = url
	return true
}

func (h *Host) forget(id target.ID) {
	h.mu.Lock()
	delete(h.urls, id)
	h.mu.Unlock()
}

func (h *Host) receive(from types.TabID, payload string) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		h.logger.Debug("malformed page message", logger.WithTabID(string(from)), zap.Error(err))
		return
	}

	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()

	if fn != nil {
		fn(from, msg)
	}
}

// Close detaches every page session.
func (h *Host) Close() {
	h.mu.Lock()
	ids := make([]target.ID, 0, len(h.tabs))
	for id := range h.tabs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.detach(id)
	}
}
