package chromehost

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/aristosando/tabcarbon/internal/ports"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

// receiverScript plays the content script: pages get a function that turns
// agent messages into "tabcarbon" DOM events.
const receiverScript = `(() => {
	if (typeof window.__tabcarbonReceive === 'function') return;
	window.__tabcarbonReceive = (msg) => window.dispatchEvent(new CustomEvent('tabcarbon', { detail: msg }));
})()`

const deliverScript = `(() => {
	if (document.readyState !== 'complete' || typeof window.__tabcarbonReceive !== 'function') return false;
	window.__tabcarbonReceive(%s);
	return true;
})()`

// TabChannel delivers messages into one page.
type TabChannel struct {
	host *Host
	id   target.ID
}

var _ ports.Channel = (*TabChannel)(nil)

func (h *Host) Channel(id types.TabID) (*TabChannel, error) {
	if _, err := h.attach(target.ID(id)); err != nil {
		return nil, err
	}
	return &TabChannel{host: h, id: target.ID(id)}, nil
}

// Send returns ports.ErrNoReceiver while the page has not finished loading.
func (c *TabChannel) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	tab, err := c.host.attach(c.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrNoReceiver, err)
	}

	var delivered bool
	if err := c.host.run(ctx, tab.ctx, chromedp.Evaluate(fmt.Sprintf(deliverScript, data), &delivered)); err != nil {
		return fmt.Errorf("deliver to %s: %w", c.id, err)
	}
	if !delivered {
		return ports.ErrNoReceiver
	}

	return nil
}

func (c *TabChannel) Done() <-chan struct{} {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()

	if a, ok := c.host.tabs[c.id]; ok {
		return a.closed
	}

	closed := make(chan struct{})
	close(closed)
	return closed
}
