package page

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// elementPollInterval paces the WaitForElement loop; change notifications
// are sampled at the same rate.
const elementPollInterval = 200 * time.Millisecond

// RodBrowser owns one headless browser and implements host.TabService on
// top of it. Each created tab exposes a Page for the form driver.
type RodBrowser struct {
	logger   *zap.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher

	mu   sync.Mutex
	tabs map[string]*rodPage
}

// NewRodBrowser launches a headless browser and connects to it.
func NewRodBrowser(logger *zap.Logger) (*RodBrowser, error) {
	l := launcher.New().Headless(true).Leakless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &RodBrowser{
		logger:   logger.Named("browser"),
		browser:  browser,
		launcher: l,
		tabs:     make(map[string]*rodPage),
	}, nil
}

// Close shuts the browser down. Open tabs die with it.
func (b *RodBrowser) Close() error {
	b.mu.Lock()
	for handle, tab := range b.tabs {
		tab.close()
		delete(b.tabs, handle)
	}
	b.mu.Unlock()

	err := b.browser.Close()
	b.launcher.Cleanup()
	return err
}

// Create implements host.TabService.Create. foreground is accepted for
// interface parity; a headless browser has no foreground to speak of.
func (b *RodBrowser) Create(ctx context.Context, url string, foreground bool) (string, error) {
	p, err := b.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("failed to open tab: %w", err)
	}
	if err := p.Context(ctx).WaitLoad(); err != nil {
		p.Close()
		return "", fmt.Errorf("page failed to load: %w", err)
	}

	handle := uuid.New().String()
	tab := newRodPage(b.logger, p, url)

	b.mu.Lock()
	b.tabs[handle] = tab
	b.mu.Unlock()

	b.logger.Info("Tab opened",
		zap.String("handle", handle),
		zap.String("url", url),
		zap.Bool("foreground", foreground))
	return handle, nil
}

// Remove implements host.TabService.Remove.
func (b *RodBrowser) Remove(ctx context.Context, handle string) error {
	b.mu.Lock()
	tab, ok := b.tabs[handle]
	delete(b.tabs, handle)
	b.mu.Unlock()

	if !ok {
		// Already closed; the cleanup path tolerates this.
		b.logger.Info("Tab already closed", zap.String("handle", handle))
		return nil
	}

	tab.close()
	b.logger.Info("Tab closed", zap.String("handle", handle))
	return nil
}

// Page returns the automation surface for an open tab.
func (b *RodBrowser) Page(handle string) (Page, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab, ok := b.tabs[handle]
	return tab, ok
}

// rodPage implements Page over one rod tab.
type rodPage struct {
	logger *zap.Logger
	page   *rod.Page
	url    string

	changes  chan struct{}
	stopPoll chan struct{}
	stopOnce sync.Once
}

func newRodPage(logger *zap.Logger, p *rod.Page, url string) *rodPage {
	rp := &rodPage{
		logger:   logger.Named("page"),
		page:     p,
		url:      url,
		changes:  make(chan struct{}, 1),
		stopPoll: make(chan struct{}),
	}
	rp.installMutationCounter()
	go rp.pollMutations()
	return rp
}

func (p *rodPage) close() {
	p.stopOnce.Do(func() {
		close(p.stopPoll)
		p.page.Close()
	})
}

// installMutationCounter plants a MutationObserver that bumps a counter on
// every DOM change. The poll loop samples the counter; this survives the
// page replacing whole subtrees, which per-node listeners would not.
func (p *rodPage) installMutationCounter() {
	_, err := p.page.Eval(`() => {
		if (window.__agentMutations !== undefined) return;
		window.__agentMutations = 0;
		const observer = new MutationObserver(() => { window.__agentMutations++; });
		observer.observe(document.body, { childList: true, subtree: true, characterData: true });
	}`)
	if err != nil {
		p.logger.Warn("Failed to install mutation observer", zap.Error(err))
	}
}

func (p *rodPage) pollMutations() {
	defer close(p.changes)

	ticker := time.NewTicker(elementPollInterval)
	defer ticker.Stop()

	var last int
	for {
		select {
		case <-p.stopPoll:
			return
		case <-ticker.C:
			res, err := p.page.Eval(`() => window.__agentMutations || 0`)
			if err != nil {
				// Navigation wipes the counter; reinstall and keep going.
				p.installMutationCounter()
				continue
			}
			count := res.Value.Int()
			if count != last {
				last = count
				select {
				case p.changes <- struct{}{}:
				default:
				}
			}
		}
	}
}

// WaitForElement implements Page.WaitForElement.
func (p *rodPage) WaitForElement(ctx context.Context, timeout time.Duration, selectors ...string) error {
	deadline := time.Now().Add(timeout)
	for {
		for _, selector := range selectors {
			has, _, err := p.page.Has(selector)
			if err == nil && has {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrElementNotFound
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(elementPollInterval):
		}
	}
}

// SetValue implements Page.SetValue. The script mirrors what a user-driven
// framework expects: clear any read-only lock, write through the native
// value setter, then dispatch input and change so the framework commits
// the new state.
func (p *rodPage) SetValue(ctx context.Context, selector, value string) error {
	res, err := p.page.Context(ctx).Eval(`(selector, value) => {
		const el = document.querySelector(selector);
		if (!el) return false;
		if (el.hasAttribute('readonly')) el.removeAttribute('readonly');
		el.focus();
		const proto = el.tagName === 'SELECT' ? HTMLSelectElement.prototype : HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, 'value');
		if (setter && setter.set) { setter.set.call(el, value); } else { el.value = value; }
		el.dispatchEvent(new Event('input', { bubbles: true, cancelable: true }));
		el.dispatchEvent(new Event('change', { bubbles: true, cancelable: true }));
		el.blur();
		el.focus();
		return true;
	}`, selector, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", selector, err)
	}
	if !res.Value.Bool() {
		return ErrElementNotFound
	}
	return nil
}

// Value implements Page.Value.
func (p *rodPage) Value(ctx context.Context, selector string) (string, error) {
	res, err := p.page.Context(ctx).Eval(`(selector) => {
		const el = document.querySelector(selector);
		return el ? el.value : null;
	}`, selector)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", selector, err)
	}
	if res.Value.Nil() {
		return "", ErrElementNotFound
	}
	return res.Value.Str(), nil
}

// Buttons implements Page.Buttons.
func (p *rodPage) Buttons(ctx context.Context) ([]Button, error) {
	res, err := p.page.Context(ctx).Eval(`() =>
		Array.from(document.querySelectorAll('button')).map((btn, index) => ({
			index,
			text: ((btn.textContent || '') + ' ' + (btn.innerText || '')).trim(),
			type: btn.type || '',
			disabled: btn.disabled,
			visible: btn.offsetParent !== null,
		}))`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buttons: %w", err)
	}

	var buttons []Button
	for _, item := range res.Value.Arr() {
		buttons = append(buttons, Button{
			Index:    item.Get("index").Int(),
			Text:     item.Get("text").Str(),
			Type:     item.Get("type").Str(),
			Disabled: item.Get("disabled").Bool(),
			Visible:  item.Get("visible").Bool(),
		})
	}
	return buttons, nil
}

// ClickButton implements Page.ClickButton.
func (p *rodPage) ClickButton(ctx context.Context, index int) error {
	res, err := p.page.Context(ctx).Eval(`(index) => {
		const btn = document.querySelectorAll('button')[index];
		if (!btn) return false;
		btn.click();
		return true;
	}`, index)
	if err != nil {
		return fmt.Errorf("failed to click button %d: %w", index, err)
	}
	if !res.Value.Bool() {
		return ErrElementNotFound
	}
	return nil
}

// Snapshot implements Page.Snapshot.
func (p *rodPage) Snapshot(ctx context.Context) (Snapshot, error) {
	info, err := p.page.Info()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read page info: %w", err)
	}

	res, err := p.page.Context(ctx).Eval(`() => ({
		text: document.body ? (document.body.textContent || '') : '',
		hasForm: !!document.querySelector('form'),
	})`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to capture page state: %w", err)
	}

	buttons, err := p.Buttons(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		URL:     info.URL,
		Text:    res.Value.Get("text").Str(),
		HasForm: res.Value.Get("hasForm").Bool(),
		Buttons: buttons,
	}, nil
}

// Changes implements Page.Changes.
func (p *rodPage) Changes() <-chan struct{} {
	return p.changes
}

// Reload implements Page.Reload.
func (p *rodPage) Reload(ctx context.Context) error {
	if err := p.page.Context(ctx).Navigate(p.url); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	if err := p.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("reloaded page failed to load: %w", err)
	}
	p.installMutationCounter()
	return nil
}
