// Package run ties the pipeline together for one invocation: dedupe,
// pending-intent hand-off, form driving, classification, fallback retries,
// history, notification, and tab cleanup. One logical worker per profile;
// runs never overlap.
package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/form"
	"github.com/ozmeal/catering-agent/internal/host"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/page"
	"github.com/ozmeal/catering-agent/internal/retry"
	"github.com/ozmeal/catering-agent/internal/scheduler"
	"github.com/ozmeal/catering-agent/internal/storage"
)

const (
	// TabCloseGrace is the delay between recording the result and closing
	// the automation tab, long enough for the final submit to flush.
	TabCloseGrace = 2 * time.Second

	// EscalationThreshold true failures within the EscalationWindow most
	// recent history entries escalate the failure notification to one the
	// user must dismiss.
	EscalationThreshold = 3
	EscalationWindow    = 5
)

// Config carries the coordinator's static settings.
type Config struct {
	TargetURL     string
	TabCloseGrace time.Duration
}

// PageSource resolves an open tab handle to its automation surface.
// RodBrowser implements it.
type PageSource interface {
	Page(handle string) (page.Page, bool)
}

// Coordinator executes reservation runs.
type Coordinator struct {
	logger     *zap.Logger
	cfg        Config
	state      *storage.State
	tabs       host.TabService
	pages      PageSource
	notifier   host.Notifier
	controller *retry.Controller
	scheduler  *scheduler.DailyScheduler

	// NewDriver builds the form driver for a page; tests swap in one with
	// shortened settle times.
	NewDriver func(p page.Page) *form.Driver

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(logger *zap.Logger, cfg Config, state *storage.State, tabs host.TabService, pages PageSource, notifier host.Notifier, controller *retry.Controller, sched *scheduler.DailyScheduler) *Coordinator {
	if cfg.TabCloseGrace == 0 {
		cfg.TabCloseGrace = TabCloseGrace
	}
	named := logger.Named("run")
	return &Coordinator{
		logger:     named,
		cfg:        cfg,
		state:      state,
		tabs:       tabs,
		pages:      pages,
		notifier:   notifier,
		controller: controller,
		scheduler:  sched,
		NewDriver: func(p page.Page) *form.Driver {
			return form.NewDriver(named, p)
		},
		Now: time.Now,
	}
}

// RunScheduled handles the main alarm fire: dedupe first, then the full
// pipeline. Always ends by rearming for the next day.
func (c *Coordinator) RunScheduled(ctx context.Context) {
	defer c.rearm(ctx)

	schedule, ok, err := c.state.Schedule(ctx)
	if err != nil {
		c.logger.Error("Failed to read schedule", zap.Error(err))
		return
	}
	if !ok || !schedule.Armable() {
		c.logger.Warn("Alarm fired but schedule is not runnable",
			zap.Bool("found", ok))
		return
	}

	if c.ranToday(ctx) {
		c.logger.Info("Already reserved today, skipping run")
		c.notify(ctx, host.Notification{
			Title:    "Already reserved",
			Body:     "Today's reservation is already done. Trying again tomorrow.",
			Priority: host.PriorityNormal,
		})
		return
	}

	c.Execute(ctx, *schedule.Profile, model.SourceAuto, false)
}

// Execute runs the full pipeline for one profile. Every call produces
// exactly one RunResult, one history entry, and one notification; no run
// is silent.
func (c *Coordinator) Execute(ctx context.Context, profile model.ReservationProfile, source model.RunSource, testMode bool) model.RunResult {
	if c.tabs == nil || c.pages == nil {
		return c.conclude(ctx, "", source, retry.Result{}, model.RunResult{
			Success:   false,
			Message:   "tab capability unavailable in this context",
			Timestamp: c.Now(),
		})
	}

	intent := model.PendingIntent{Profile: profile, Source: source, TestMode: testMode}
	handle, err := c.OpenForRun(ctx, c.cfg.TargetURL, intent)
	if err != nil {
		return c.conclude(ctx, "", source, retry.Result{}, model.RunResult{
			Success:   false,
			Message:   err.Error(),
			Timestamp: c.Now(),
		})
	}

	return c.ResumeOnTab(ctx, handle, source)
}

// OpenForRun stashes the pending intent and opens the automation tab out
// of user view. The run continues with ResumeOnTab; on failure the stashed
// intent is discarded so it cannot replay on a later load.
func (c *Coordinator) OpenForRun(ctx context.Context, url string, intent model.PendingIntent) (string, error) {
	if c.tabs == nil || c.pages == nil {
		return "", errors.New("tab capability unavailable in this context")
	}
	if url == "" {
		url = c.cfg.TargetURL
	}

	if err := c.state.PutPendingIntent(ctx, intent); err != nil {
		return "", fmt.Errorf("failed to stash reservation intent: %w", err)
	}

	handle, err := c.tabs.Create(ctx, url, false)
	if err != nil {
		if _, _, takeErr := c.state.TakePendingIntent(ctx); takeErr != nil {
			c.logger.Error("Failed to discard stale intent", zap.Error(takeErr))
		}
		return "", fmt.Errorf("failed to open reservation page: %w", err)
	}
	if err := c.state.SaveTabHandle(ctx, handle); err != nil {
		c.logger.Warn("Failed to remember tab handle", zap.Error(err))
	}
	return handle, nil
}

// RecordExternal persists and notifies a result produced by an external
// executor context (the message protocol's RESERVATION_RESULT path). The
// message is stored as delivered; external contexts label their own
// source.
func (c *Coordinator) RecordExternal(ctx context.Context, result model.RunResult) {
	if err := c.state.RecordResult(ctx, result); err != nil {
		c.logger.Error("Failed to record external result", zap.Error(err))
	}
	c.notify(ctx, c.buildNotification(ctx, retry.Result{}, result))
}

// ResumeOnTab continues a run on an already-opened tab: consume the
// pending intent, drive the form, classify, retry, conclude. The message
// protocol's open-page handler replies with the tab handle and then calls
// this asynchronously.
func (c *Coordinator) ResumeOnTab(ctx context.Context, handle string, source model.RunSource) model.RunResult {
	p, ok := c.pages.Page(handle)
	if !ok {
		return c.conclude(ctx, handle, source, retry.Result{}, model.RunResult{
			Success:   false,
			Message:   "automation tab closed before the run started",
			Timestamp: c.Now(),
		})
	}

	// Consume the intent before the slow fill/submit sequence.
	taken, ok, err := c.state.TakePendingIntent(ctx)
	if err != nil || !ok {
		return c.conclude(ctx, handle, source, retry.Result{}, model.RunResult{
			Success:   false,
			Message:   "pending reservation intent missing at consumption",
			Timestamp: c.Now(),
		})
	}
	source = taken.Source

	driver := c.NewDriver(p)
	result, err := c.controller.Run(ctx, driver, p, taken)
	if err != nil {
		return c.conclude(ctx, handle, source, retry.Result{}, model.RunResult{
			Success:   false,
			Message:   fmt.Sprintf("attempt sequence aborted: %v", err),
			Timestamp: c.Now(),
		})
	}

	message := retry.AnnotateMessage(result.Verdict.Message, result.Retries)
	return c.conclude(ctx, handle, source, result, model.RunResult{
		Success:   result.Verdict.Success,
		Message:   message,
		Timestamp: c.Now(),
	})
}

// CloseTab closes the remembered automation tab, tolerating a tab that is
// already gone. The message protocol's close-tab handler calls this.
func (c *Coordinator) CloseTab(ctx context.Context) error {
	handle, ok, err := c.state.TakeTabHandle(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Info("No reservation tab remembered, nothing to close")
		return nil
	}
	return c.tabs.Remove(ctx, handle)
}

// conclude persists the result, notifies, and cleans the tab up. The tab
// is only ever closed here, after every retry has finished.
func (c *Coordinator) conclude(ctx context.Context, handle string, source model.RunSource, attempt retry.Result, result model.RunResult) model.RunResult {
	result.Message = source.Label() + " " + result.Message

	if err := c.state.RecordResult(ctx, result); err != nil {
		c.logger.Error("Failed to record run result", zap.Error(err))
	}

	c.logger.Info("Run concluded",
		zap.Bool("success", result.Success),
		zap.String("message", result.Message),
		zap.Int("retries", attempt.Retries))

	c.notify(ctx, c.buildNotification(ctx, attempt, result))

	if handle != "" {
		c.closeTabAfterGrace(ctx, handle)
	}

	return result
}

// buildNotification applies the outcome-dependent prominence policy.
func (c *Coordinator) buildNotification(ctx context.Context, attempt retry.Result, result model.RunResult) host.Notification {
	option := attempt.Option

	if result.Success {
		if isAlreadyReservedMessage(result.Message) {
			return host.Notification{
				Title:    "Already reserved",
				Body:     "Today's reservation is already done. Trying again tomorrow.",
				Priority: host.PriorityNormal,
			}
		}
		title := "Reservation succeeded!"
		if option != "" {
			title = option + " reservation succeeded!"
		}
		return host.Notification{
			Title:    title,
			Body:     result.Message,
			Priority: host.PriorityHigh,
		}
	}

	if c.failureStreak(ctx) >= EscalationThreshold {
		return host.Notification{
			Title:              "Reservation keeps failing",
			Body:               "Repeated failures detected. Check the reservation settings.",
			Priority:           host.PriorityHigh,
			RequireInteraction: true,
		}
	}

	title := "Reservation failed"
	if option != "" {
		title = option + " reservation failed"
	}
	return host.Notification{
		Title:    title,
		Body:     result.Message,
		Priority: host.PriorityHigh,
	}
}

// failureStreak counts true failures (already-reserved excluded) among the
// most recent EscalationWindow history entries.
func (c *Coordinator) failureStreak(ctx context.Context) int {
	history, err := c.state.History(ctx)
	if err != nil {
		c.logger.Warn("Failed to read history for escalation check", zap.Error(err))
		return 0
	}
	if len(history) > EscalationWindow {
		history = history[:EscalationWindow]
	}

	count := 0
	for _, entry := range history {
		if !entry.Success && !isAlreadyReservedMessage(entry.Message) {
			count++
		}
	}
	return count
}

// ranToday reports whether today's outcome is already known-successful.
// Both the canonical success encoding and a failure-flavored record with
// an already-reserved message suppress a re-run.
func (c *Coordinator) ranToday(ctx context.Context) bool {
	last, err := c.state.LastResult(ctx)
	if err != nil {
		c.logger.Warn("Failed to read last result for dedupe", zap.Error(err))
		return false
	}
	if last == nil || !last.SameDay(c.Now()) {
		return false
	}
	if last.Success {
		return true
	}
	return isAlreadyReservedMessage(last.Message)
}

func (c *Coordinator) closeTabAfterGrace(ctx context.Context, handle string) {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.TabCloseGrace):
	}

	if stored, ok, err := c.state.TakeTabHandle(ctx); err == nil && ok && stored != handle {
		// Taking the handle consumed it, so the mismatched tab would be
		// forgotten unclosed; close it here as well.
		c.logger.Warn("Stored tab handle differs from the run's tab",
			zap.String("stored", stored),
			zap.String("run", handle))
		if err := c.tabs.Remove(ctx, stored); err != nil {
			c.logger.Info("Stale tab close failed", zap.Error(err))
		}
	}

	if err := c.tabs.Remove(ctx, handle); err != nil {
		// The tab may already be gone; cleanup stays best-effort.
		c.logger.Info("Tab close failed", zap.Error(err))
	}
}

func (c *Coordinator) notify(ctx context.Context, n host.Notification) {
	if err := c.notifier.Show(ctx, n); err != nil {
		c.logger.Error("Failed to show notification", zap.Error(err))
	}
}

func (c *Coordinator) rearm(ctx context.Context) {
	if c.scheduler == nil {
		return
	}
	if err := c.scheduler.RearmFromStore(ctx); err != nil {
		c.logger.Error("Failed to rearm daily alarm", zap.Error(err))
	}
}

// isAlreadyReservedMessage matches both the canonical normalized message
// and the legacy Korean encoding that older history entries may carry.
func isAlreadyReservedMessage(message string) bool {
	return strings.Contains(message, "already reserved") ||
		strings.Contains(message, "이미 예약")
}
