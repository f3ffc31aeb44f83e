// Package retry drives immediate in-page fallback attempts when the
// classifier reports the chosen option is full. Attempts advance through a
// fixed chain of alternative slots under a retry budget; options outside
// the chain never retry.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/classifier"
	"github.com/ozmeal/catering-agent/internal/form"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/page"
)

const (
	// MaxRetries bounds total fallback attempts regardless of how long the
	// chain is.
	MaxRetries = 2

	// ResubmitSettle is the pause between mutating the option select and
	// re-clicking submit: just long enough for the page framework to
	// commit the change while staying competitive in a capacity race.
	ResubmitSettle = 50 * time.Millisecond
)

// fallbackSuccessor is the ordered chain of time-slot options. Options
// absent from the map (combo, salad, the last slot) have no successor and
// terminate immediately on a capacity failure.
var fallbackSuccessor = map[string]string{
	"slot1": "slot2",
	"slot2": "slot3",
}

// NextOption returns the fallback successor of option, if it has one.
func NextOption(option string) (string, bool) {
	next, ok := fallbackSuccessor[option]
	return next, ok
}

// IntentStore is the slice of the durable state the controller needs for
// the reload-degradation path.
type IntentStore interface {
	PutPendingIntent(ctx context.Context, intent model.PendingIntent) error
	TakePendingIntent(ctx context.Context) (model.PendingIntent, bool, error)
}

// Result is the terminal state of one full attempt sequence.
type Result struct {
	Verdict classifier.Verdict
	Retries int
	Option  string
}

// Controller runs the attempt loop for one page session.
type Controller struct {
	logger     *zap.Logger
	classifier *classifier.Classifier
	intents    IntentStore

	// Tunables defaulting to the package constants; tests shorten them.
	MaxRetries  int
	Settle      time.Duration
	ColdTimeout time.Duration
	WarmTimeout time.Duration
}

// NewController creates a Controller.
func NewController(logger *zap.Logger, cls *classifier.Classifier, intents IntentStore) *Controller {
	return &Controller{
		logger:      logger.Named("retry"),
		classifier:  cls,
		intents:     intents,
		MaxRetries:  MaxRetries,
		Settle:      ResubmitSettle,
		ColdTimeout: classifier.ColdTimeout,
		WarmTimeout: classifier.WarmTimeout,
	}
}

// Run performs the first attempt for intent and every fallback attempt it
// earns, returning the terminal result. Driver and classifier errors are
// folded into failure verdicts; Run only returns an error when the durable
// intent store breaks underneath it.
func (c *Controller) Run(ctx context.Context, driver *form.Driver, p page.Page, intent model.PendingIntent) (Result, error) {
	option := intent.Profile.CateringOption
	retries := intent.RetryCount

	verdict := c.attemptCold(ctx, driver, p, intent.Profile)

	for {
		if verdict.Outcome != model.OutcomeNoCapacity {
			return Result{Verdict: verdict, Retries: retries, Option: option}, nil
		}

		next, ok := NextOption(option)
		if !ok {
			c.logger.Info("Option has no fallback, giving up",
				zap.String("option", option),
				zap.Int("retries", retries))
			return Result{Verdict: verdict, Retries: retries, Option: option}, nil
		}
		if retries >= c.MaxRetries {
			c.logger.Info("Retry budget exhausted",
				zap.String("option", option),
				zap.Int("retries", retries))
			return Result{Verdict: verdict, Retries: retries, Option: option}, nil
		}

		retries++
		option = next
		c.logger.Info("No capacity, advancing to fallback option",
			zap.String("option", option),
			zap.Int("retry", retries))

		if c.formAlive(ctx, driver, p) {
			warm, err := c.attemptInPlace(ctx, driver, p, option)
			if err == nil {
				verdict = warm
				continue
			}
			c.logger.Warn("In-place retry failed, degrading to reload",
				zap.Error(err))
		}

		reloaded, err := c.attemptViaReload(ctx, driver, p, intent, option, retries)
		if err != nil {
			return Result{}, err
		}
		verdict = reloaded
	}
}

// attemptCold fills the whole form and submits, then waits the generous
// first-attempt window for a verdict.
func (c *Controller) attemptCold(ctx context.Context, driver *form.Driver, p page.Page, profile model.ReservationProfile) classifier.Verdict {
	if err := driver.Fill(ctx, profile); err != nil {
		return failureVerdict(err)
	}
	if err := driver.Submit(ctx); err != nil {
		return failureVerdict(err)
	}
	return c.classifier.Await(ctx, p, c.ColdTimeout)
}

// attemptInPlace mutates the option select on the still-rendered form and
// resubmits immediately. The page is warm, so the classify window shrinks.
func (c *Controller) attemptInPlace(ctx context.Context, driver *form.Driver, p page.Page, option string) (classifier.Verdict, error) {
	if err := driver.SetOption(ctx, option); err != nil {
		return classifier.Verdict{}, err
	}
	select {
	case <-ctx.Done():
		return classifier.Verdict{}, ctx.Err()
	case <-time.After(c.Settle):
	}
	if err := driver.Submit(ctx); err != nil {
		return classifier.Verdict{}, err
	}
	return c.classifier.Await(ctx, p, c.WarmTimeout), nil
}

// attemptViaReload re-stashes the intent with the advanced option, reloads
// the page, and resumes through the normal pending-intent consumption
// path, exactly as a fresh page load would.
func (c *Controller) attemptViaReload(ctx context.Context, driver *form.Driver, p page.Page, intent model.PendingIntent, option string, retries int) (classifier.Verdict, error) {
	resumed := model.PendingIntent{
		Profile:    intent.Profile.WithOption(option),
		Source:     intent.Source,
		RetryCount: retries,
		TestMode:   intent.TestMode,
	}
	if err := c.intents.PutPendingIntent(ctx, resumed); err != nil {
		return classifier.Verdict{}, fmt.Errorf("failed to stash resumed intent: %w", err)
	}

	if err := p.Reload(ctx); err != nil {
		return failureVerdict(err), nil
	}

	taken, ok, err := c.intents.TakePendingIntent(ctx)
	if err != nil {
		return classifier.Verdict{}, err
	}
	if !ok {
		// Someone else consumed it; treat as a lost attempt.
		return classifier.Verdict{
			Outcome: model.OutcomeFailure,
			Message: "resumed intent vanished before consumption",
		}, nil
	}

	return c.attemptCold(ctx, driver, p, taken.Profile), nil
}

// formAlive reports whether the form and its submit affordance survived
// the previous attempt, which is what makes an in-place retry possible.
func (c *Controller) formAlive(ctx context.Context, driver *form.Driver, p page.Page) bool {
	snap, err := p.Snapshot(ctx)
	if err != nil || !snap.HasForm {
		return false
	}
	return driver.SubmitPresent(ctx)
}

func failureVerdict(err error) classifier.Verdict {
	return classifier.Verdict{
		Outcome: model.OutcomeFailure,
		Success: false,
		Message: err.Error(),
	}
}

// AnnotateMessage prefixes msg with the retry count consumed so history
// stays auditable. Zero retries leaves the message untouched.
func AnnotateMessage(msg string, retries int) string {
	switch retries {
	case 0:
		return msg
	case 1:
		return "[1 retry] " + msg
	default:
		return fmt.Sprintf("[%d retries] %s", retries, msg)
	}
}
