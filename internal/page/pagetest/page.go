// Package pagetest provides a scriptable in-memory Page for driver,
// classifier, and controller tests.
package pagetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ozmeal/catering-agent/internal/page"
)

// FakePage implements page.Page over plain maps. Tests mutate it through
// the Set* helpers, each of which fires a change notification, and inspect
// what the code under test did through the recorded fields.
type FakePage struct {
	mu sync.Mutex

	url      string
	text     string
	hasForm  bool
	elements map[string]string // selector -> value; presence == element exists
	readOnly map[string]bool
	buttons  []page.Button

	changes chan struct{}

	// Recorded interactions.
	Clicked   []int
	SetCalls  []SetCall
	Reloads   int
	OnClick   func(index int) // optional: script the page's reaction
	OnReload  func()
	FailSetOn string // selector whose SetValue silently does not stick
}

// SetCall is one recorded SetValue invocation.
type SetCall struct {
	Selector string
	Value    string
}

// New returns an empty fake page at the given URL.
func New(url string) *FakePage {
	return &FakePage{
		url:      url,
		hasForm:  true,
		elements: make(map[string]string),
		readOnly: make(map[string]bool),
		changes:  make(chan struct{}, 16),
	}
}

// AddElement makes selector resolvable with an initial value.
func (f *FakePage) AddElement(selector, value string) {
	f.mu.Lock()
	f.elements[selector] = value
	f.mu.Unlock()
	f.notify()
}

// RemoveElement drops an element.
func (f *FakePage) RemoveElement(selector string) {
	f.mu.Lock()
	delete(f.elements, selector)
	f.mu.Unlock()
	f.notify()
}

// SetButtons replaces the page's button list.
func (f *FakePage) SetButtons(buttons ...page.Button) {
	f.mu.Lock()
	f.buttons = buttons
	f.mu.Unlock()
	f.notify()
}

// SetText replaces the rendered text.
func (f *FakePage) SetText(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
	f.notify()
}

// SetURL simulates a navigation.
func (f *FakePage) SetURL(url string) {
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	f.notify()
}

// SetHasForm toggles the form-present flag.
func (f *FakePage) SetHasForm(has bool) {
	f.mu.Lock()
	f.hasForm = has
	f.mu.Unlock()
	f.notify()
}

func (f *FakePage) notify() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

// WaitForElement implements page.Page.
func (f *FakePage) WaitForElement(ctx context.Context, timeout time.Duration, selectors ...string) error {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		found := false
		for _, sel := range selectors {
			if _, ok := f.elements[sel]; ok {
				found = true
				break
			}
		}
		f.mu.Unlock()
		if found {
			return nil
		}
		if time.Now().After(deadline) {
			return page.ErrElementNotFound
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// SetValue implements page.Page.
func (f *FakePage) SetValue(ctx context.Context, selector, value string) error {
	f.mu.Lock()
	f.SetCalls = append(f.SetCalls, SetCall{Selector: selector, Value: value})
	if _, ok := f.elements[selector]; !ok {
		f.mu.Unlock()
		return page.ErrElementNotFound
	}
	if selector != f.FailSetOn {
		delete(f.readOnly, selector)
		f.elements[selector] = value
	}
	f.mu.Unlock()
	f.notify()
	return nil
}

// Value implements page.Page.
func (f *FakePage) Value(ctx context.Context, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.elements[selector]
	if !ok {
		return "", page.ErrElementNotFound
	}
	return value, nil
}

// Buttons implements page.Page.
func (f *FakePage) Buttons(ctx context.Context) ([]page.Button, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]page.Button, len(f.buttons))
	copy(out, f.buttons)
	return out, nil
}

// ClickButton implements page.Page.
func (f *FakePage) ClickButton(ctx context.Context, index int) error {
	f.mu.Lock()
	f.Clicked = append(f.Clicked, index)
	onClick := f.OnClick
	f.mu.Unlock()
	if onClick != nil {
		onClick(index)
	}
	return nil
}

// Snapshot implements page.Page.
func (f *FakePage) Snapshot(ctx context.Context) (page.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buttons := make([]page.Button, len(f.buttons))
	copy(buttons, f.buttons)
	return page.Snapshot{
		URL:     f.url,
		Text:    f.text,
		HasForm: f.hasForm,
		Buttons: buttons,
	}, nil
}

// Changes implements page.Page.
func (f *FakePage) Changes() <-chan struct{} {
	return f.changes
}

// Reload implements page.Page.
func (f *FakePage) Reload(ctx context.Context) error {
	f.mu.Lock()
	f.Reloads++
	onReload := f.OnReload
	f.mu.Unlock()
	if onReload != nil {
		onReload()
	}
	f.notify()
	return nil
}

// HasText reports whether the page text contains s. Test helper.
func (f *FakePage) HasText(s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Contains(f.text, s)
}
