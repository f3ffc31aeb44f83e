// Package page abstracts the rendered form page the agent drives. The
// target site is third-party and client-rendered, so everything here is
// defensive: callers wait for elements instead of assuming them, read
// values back after writing, and classify free text instead of trusting a
// structured response. Production runs on a rod-driven headless browser;
// tests use the scriptable fake in pagetest.
package page

import (
	"context"
	"errors"
	"time"
)

// ErrElementNotFound is returned when no candidate selector matched within
// the allotted wait.
var ErrElementNotFound = errors.New("page: element not found")

// Button describes one button currently rendered on the page, in document
// order. Index is stable between a Snapshot and a ClickButton call only as
// long as the page does not re-render, which is why the form driver
// re-queries on every attempt.
type Button struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Type     string `json:"type"`
	Disabled bool   `json:"disabled"`
	Visible  bool   `json:"visible"`
}

// Snapshot is the page state the classifier inspects: the current URL, the
// rendered text, and whether the form surface is still present.
type Snapshot struct {
	URL     string
	Text    string
	HasForm bool
	Buttons []Button
}

// Page is one live automation surface.
type Page interface {
	// WaitForElement blocks until any of the selectors matches an element,
	// bounded by timeout. Returns ErrElementNotFound on expiry.
	WaitForElement(ctx context.Context, timeout time.Duration, selectors ...string) error

	// SetValue writes value into the first element matching selector. The
	// write clears a read-only lock if one is present and dispatches the
	// input/change event sequence the page's framework listens for;
	// assigning the value alone would leave the framework state stale.
	SetValue(ctx context.Context, selector, value string) error

	// Value reads the current value of the first element matching selector.
	Value(ctx context.Context, selector string) (string, error)

	// Buttons lists the buttons currently on the page.
	Buttons(ctx context.Context) ([]Button, error)

	// ClickButton clicks the button at the given document-order index.
	ClickButton(ctx context.Context, index int) error

	// Snapshot captures the current page state.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Changes delivers coalesced change notifications whenever the page
	// re-renders. Used to race against the classifier's poll loop. The
	// channel closes when the page goes away.
	Changes() <-chan struct{}

	// Reload navigates the page back to its original URL and waits for the
	// load to settle. The fallback controller degrades to this when the
	// in-place retry path loses the form.
	Reload(ctx context.Context) error
}
