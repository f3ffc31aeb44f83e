// Package batch submits reservations server-side, without a browser. It
// posts the form directly and classifies the response body, trading the
// page-level fidelity of the driven run for the ability to process many
// profiles from one headless process.
package batch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/classifier"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/page"
	"github.com/ozmeal/catering-agent/internal/retry"
	"github.com/ozmeal/catering-agent/internal/storage"
)

const (
	// RequestTimeout bounds one form submission round-trip.
	RequestTimeout = 30 * time.Second

	// userAgent mimics a desktop browser; the target rejects obvious bots.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Entry is one profile to submit.
type Entry struct {
	ID      string                   `json:"id"`
	Profile model.ReservationProfile `json:"profile"`
}

// EntryResult is the per-profile outcome.
type EntryResult struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Retries int    `json:"retries"`
}

// Summary aggregates one batch run.
type Summary struct {
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Failures   []EntryResult `json:"failures,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Executor runs batch submissions.
type Executor struct {
	logger     *zap.Logger
	targetURL  string
	httpClient *http.Client
	state      *storage.State

	// MaxRetries bounds the capacity-fallback chain per entry.
	MaxRetries int

	// Concurrency caps parallel submissions.
	Concurrency int
}

// NewExecutor creates a batch executor. State is optional; when present,
// per-entry outcomes are also recorded to the run history.
func NewExecutor(logger *zap.Logger, targetURL string, state *storage.State) *Executor {
	return &Executor{
		logger:    logger.Named("batch"),
		targetURL: targetURL,
		httpClient: &http.Client{
			Timeout: RequestTimeout,
		},
		state:       state,
		MaxRetries:  retry.MaxRetries,
		Concurrency: 4,
	}
}

// Run submits every entry and aggregates the outcomes. Entries are
// independent; one failure never aborts the batch.
func (e *Executor) Run(ctx context.Context, entries []Entry) Summary {
	summary := Summary{Processed: len(entries), Timestamp: time.Now()}
	if len(entries) == 0 {
		e.logger.Info("No enabled profiles to process")
		return summary
	}

	e.logger.Info("Starting batch reservation run",
		zap.Int("entries", len(entries)))

	results := make([]EntryResult, len(entries))
	sem := make(chan struct{}, e.Concurrency)
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry Entry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.runEntry(ctx, entry)
		}(i, entry)
	}
	wg.Wait()

	for _, result := range results {
		if result.Success {
			summary.Successful++
		} else {
			summary.Failed++
			summary.Failures = append(summary.Failures, result)
		}
	}

	e.logger.Info("Batch reservation run completed",
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed))
	return summary
}

// runEntry submits one profile, walking the capacity-fallback chain the
// same way the driven run does.
func (e *Executor) runEntry(ctx context.Context, entry Entry) EntryResult {
	option := entry.Profile.CateringOption
	retries := 0

	var verdict classifier.Verdict
	for {
		var err error
		verdict, err = e.submit(ctx, entry.Profile.WithOption(option))
		if err != nil {
			verdict = classifier.Verdict{
				Outcome: model.OutcomeFailure,
				Message: fmt.Sprintf("submission failed: %v", err),
			}
		}

		if verdict.Outcome != model.OutcomeNoCapacity {
			break
		}
		next, ok := retry.NextOption(option)
		if !ok || retries >= e.MaxRetries {
			break
		}
		retries++
		option = next
	}

	message := retry.AnnotateMessage(verdict.Message, retries)
	result := EntryResult{
		ID:      entry.ID,
		Email:   entry.Profile.Email,
		Success: verdict.Success,
		Message: message,
		Retries: retries,
	}

	e.record(ctx, result)
	return result
}

// submit posts the url-encoded form and classifies the response body.
func (e *Executor) submit(ctx context.Context, profile model.ReservationProfile) (classifier.Verdict, error) {
	form := url.Values{
		"email": {profile.Email},
		"name":  {profile.Name},
		"empNo": {profile.EmployeeID},
		"type":  {model.OptionCode(profile.CateringOption)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.targetURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	e.logger.Debug("Submitting reservation form",
		zap.String("email", profile.Email),
		zap.String("option", profile.CateringOption))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return classifier.Verdict{
			Outcome: model.OutcomeFailure,
			Message: fmt.Sprintf("submission rejected: HTTP %d", resp.StatusCode),
		}, nil
	}

	verdict := classifier.Classify(page.Snapshot{
		URL:     resp.Request.URL.String(),
		Text:    string(body),
		HasForm: strings.Contains(strings.ToLower(string(body)), "<form"),
	})
	if verdict.Outcome == model.OutcomeUnknown {
		// A 2xx with no recognizable marker still counts as accepted; the
		// target answers plain confirmations without the page chrome the
		// driven run sees.
		verdict = classifier.Verdict{
			Outcome: model.OutcomeSuccess,
			Success: true,
			Message: "reservation submitted",
		}
	}
	return verdict, nil
}

// record appends the outcome to history only. Batch entries never write
// lastResult, so they cannot dedupe the driven run of another profile.
func (e *Executor) record(ctx context.Context, result EntryResult) {
	if e.state == nil {
		return
	}
	err := e.state.AppendHistory(ctx, model.RunResult{
		Success:   result.Success,
		Message:   "[batch] " + result.Message,
		Timestamp: time.Now(),
	})
	if err != nil {
		e.logger.Warn("Failed to record batch result", zap.Error(err))
	}
}
