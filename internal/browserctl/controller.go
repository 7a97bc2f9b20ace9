// Package browserctl provides a live, chromedp-backed browser session used
// by the intervention manager: unlike a per-task driver that spins up and
// tears down an isolated Chrome instance for a single navigation, a
// Controller is opened once when an intervention begins and stays attached
// until resume() closes it, so the operator's manual clicks/types land on
// the same tab the drone left off on.
package browserctl

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// Controller is the browser-side contract the intervention manager drives:
// screenshot capture, current-URL/DOM-context reads, and enabling/disabling
// direct operator interaction with the underlying tab.
type Controller interface {
	// Screenshot captures the current viewport and returns a path to the
	// saved image, or "" if the attached session has no open page.
	Screenshot(ctx context.Context) (string, error)
	// CurrentURL returns the tab's current URL.
	CurrentURL(ctx context.Context) (string, error)
	// DOMContext returns an opaque snapshot of document state (title,
	// visible form field names/values) for the intervention context.
	DOMContext(ctx context.Context) (paramtree.Value, error)
	// EnableInteraction lifts any input-blocking overlay so the operator
	// can drive the tab directly.
	EnableInteraction(ctx context.Context) error
	// DisableInteraction re-arms the input-blocking overlay once an
	// intervention resumes automated control.
	DisableInteraction(ctx context.Context) error
	// Close releases the underlying browser allocator.
	Close()
}

// ChromeController is the Controller implementation backed by a single
// chromedp allocator + tab, held open for the lifetime of one intervention.
type ChromeController struct {
	mu         sync.Mutex
	allocCtx   context.Context
	allocCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc
	shotDir    string
}

// NewChromeController opens an isolated headless Chrome instance positioned
// at url and returns a Controller bound to it. shotDir is the directory
// screenshots are written under.
func NewChromeController(ctx context.Context, url, shotDir string) (*ChromeController, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", false),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	c := &ChromeController{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		shotDir:     shotDir,
	}

	if url != "" {
		if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
			c.Close()
			return nil, fmt.Errorf("browserctl: attaching at %q: %w", url, err)
		}
	}
	return c, nil
}

func (c *ChromeController) Screenshot(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf []byte
	if err := chromedp.Run(c.taskCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("browserctl: screenshot: %w", err)
	}

	path := fmt.Sprintf("%s/intervention-%d.png", c.shotDir, time.Now().UnixNano())
	if err := writeFile(path, buf); err != nil {
		return "", fmt.Errorf("browserctl: saving screenshot: %w", err)
	}
	return path, nil
}

func (c *ChromeController) CurrentURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var url string
	if err := chromedp.Run(c.taskCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("browserctl: current url: %w", err)
	}
	return url, nil
}

func (c *ChromeController) DOMContext(ctx context.Context) (paramtree.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var title string
	var fields []any
	actions := []chromedp.Action{
		chromedp.Title(&title),
		chromedp.Evaluate(domFieldsScript, &fields),
	}
	if err := chromedp.Run(c.taskCtx, actions...); err != nil {
		return paramtree.Null, fmt.Errorf("browserctl: dom context: %w", err)
	}

	return paramtree.Object(map[string]paramtree.Value{
		"title":  paramtree.String(title),
		"fields": paramtree.FromAny(fields),
	}), nil
}

// domFieldsScript collects name/value pairs of visible form fields so an
// operator's replay context carries what was on-screen without a full DOM
// dump.
const domFieldsScript = `
Array.from(document.querySelectorAll('input,select,textarea')).map(function(el) {
  return {name: el.name || el.id || '', value: el.value || ''};
});
`

func (c *ChromeController) EnableInteraction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chromedp.Run(c.taskCtx, chromedp.Evaluate(`document.getElementById('__drone_block__')?.remove()`, nil))
}

func (c *ChromeController) DisableInteraction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chromedp.Run(c.taskCtx, chromedp.Evaluate(blockOverlayScript, nil))
}

const blockOverlayScript = `
(function() {
  var el = document.getElementById('__drone_block__');
  if (!el) {
    el = document.createElement('div');
    el.id = '__drone_block__';
    el.style.cssText = 'position:fixed;inset:0;z-index:2147483647;background:transparent;';
    document.body.appendChild(el);
  }
})();
`

func (c *ChromeController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskCancel()
	c.allocCancel()
}
