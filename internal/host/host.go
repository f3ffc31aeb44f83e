// Package host declares the capability interfaces the agent consumes from
// its runtime: named repeating alarms, tab lifecycle, and user-facing
// notifications. The run pipeline only ever talks to these interfaces, so
// tests substitute fakes and production wires the cron, rod, and webhook
// implementations.
package host

import (
	"context"
	"time"
)

// Alarm describes one armed timer.
type Alarm struct {
	Name          string    `json:"name"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// AlarmService is a coarse-grained named timer facility. Timers do not
// survive a process restart; owners re-arm on start.
type AlarmService interface {
	// Create arms (or re-arms) the named timer to fire at when and then
	// every period. A zero period means fire once.
	Create(name string, when time.Time, period time.Duration) error

	// Clear disarms the named timer. Clearing an unknown name is a no-op.
	Clear(name string)

	// List returns every armed timer with its next fire time.
	List() []Alarm
}

// NotificationPriority mirrors the host notification API's 0..2 range.
type NotificationPriority int

const (
	PriorityNormal NotificationPriority = 1
	PriorityHigh   NotificationPriority = 2
)

// Notification is one user-facing message.
type Notification struct {
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Priority NotificationPriority `json:"priority"`

	// RequireInteraction keeps the notification on screen until the user
	// dismisses it. Used for the repeated-failure escalation.
	RequireInteraction bool `json:"require_interaction"`
}

// Notifier shows notifications. Failures are logged by implementations and
// never abort a run.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// TabService opens and closes automation tabs. Handles are opaque.
type TabService interface {
	// Create opens url. foreground=false keeps the tab out of the user's
	// view, which is how every automation run executes.
	Create(ctx context.Context, url string, foreground bool) (string, error)

	// Remove closes the tab. Removing an already-closed tab is a no-op.
	Remove(ctx context.Context, handle string) error
}
