// Package form drives the reservation form on a page the agent does not
// own. Field lookup goes through candidate selectors, every write is read
// back before submit, and the submit control is located by type first and
// label text second, because the page's DOM drifts between deployments.
package form

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/page"
)

const (
	// FieldWaitTimeout bounds the wait for each field to appear. The page
	// renders asynchronously after navigation.
	FieldWaitTimeout = 15 * time.Second

	// SubmitSearchAttempts bounds the submit-control search. Each failed
	// attempt waits SubmitSearchDelay before retrying, absorbing the
	// rendering race between the last field write and the button mount.
	SubmitSearchAttempts = 5
	SubmitSearchDelay    = 500 * time.Millisecond

	// FillSettle is the pause between the last field write and readback
	// validation, giving the page's framework time to commit state.
	FillSettle = 500 * time.Millisecond
)

// Field names, matching the stable attribute names on the target form.
const (
	FieldEmail  = "email"
	FieldName   = "name"
	FieldEmpNo  = "empNo"
	FieldOption = "type"
)

// fieldSelectors lists the candidate selectors per field, primary first.
var fieldSelectors = map[string][]string{
	FieldEmail:  {`input[name="email"]`, `input[type="email"]`},
	FieldName:   {`input[name="name"]`},
	FieldEmpNo:  {`input[name="empNo"]`},
	FieldOption: {`select[name="type"]`, `select`},
}

// submitMarkers are the label substrings that identify the apply/submit
// control, in both languages the site has shipped.
var submitMarkers = []string{"신청하기", "신청", "제출", "Submit", "Apply"}

// Sentinel errors; the coordinator maps these to result messages.
var (
	ErrSubmitNotFound = errors.New("form: submit button not found")
	ErrSubmitDisabled = errors.New("form: submit button is disabled")
)

// FieldError reports a field that could not be located or did not accept
// its value.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("form: field %s: %s", e.Field, e.Reason)
}

// Driver fills and submits the reservation form on one page.
type Driver struct {
	logger *zap.Logger
	page   page.Page

	// Settle and SearchDelay default to the package constants; tests
	// shorten them.
	Settle      time.Duration
	SearchDelay time.Duration
}

// NewDriver creates a Driver bound to p.
func NewDriver(logger *zap.Logger, p page.Page) *Driver {
	return &Driver{
		logger:      logger.Named("form"),
		page:        p,
		Settle:      FillSettle,
		SearchDelay: SubmitSearchDelay,
	}
}

// Fill populates every required field from the profile and validates the
// values stuck. The option label is mapped to the site's select code.
func (d *Driver) Fill(ctx context.Context, profile model.ReservationProfile) error {
	fields := []struct {
		name  string
		value string
	}{
		{FieldEmail, profile.Email},
		{FieldName, profile.Name},
		{FieldEmpNo, profile.EmployeeID},
		{FieldOption, model.OptionCode(profile.CateringOption)},
	}

	for _, field := range fields {
		selector, err := d.waitForField(ctx, field.name)
		if err != nil {
			return err
		}
		if err := d.page.SetValue(ctx, selector, field.value); err != nil {
			return &FieldError{Field: field.name, Reason: err.Error()}
		}
		d.logger.Debug("Field set",
			zap.String("field", field.name),
			zap.String("value", field.value))
	}

	if err := sleep(ctx, d.Settle); err != nil {
		return err
	}

	for _, field := range fields {
		selector, err := d.waitForField(ctx, field.name)
		if err != nil {
			return err
		}
		got, err := d.page.Value(ctx, selector)
		if err != nil {
			return &FieldError{Field: field.name, Reason: "readback failed: " + err.Error()}
		}
		if got != field.value {
			return &FieldError{
				Field:  field.name,
				Reason: fmt.Sprintf("validation mismatch: wrote %q, page holds %q", field.value, got),
			}
		}
	}

	d.logger.Info("Form filled and validated")
	return nil
}

// SetOption rewrites only the option select. The fallback controller uses
// this for in-place retries without re-filling the identity fields.
func (d *Driver) SetOption(ctx context.Context, option string) error {
	selector, err := d.waitForField(ctx, FieldOption)
	if err != nil {
		return err
	}
	code := model.OptionCode(option)
	if err := d.page.SetValue(ctx, selector, code); err != nil {
		return &FieldError{Field: FieldOption, Reason: err.Error()}
	}
	got, err := d.page.Value(ctx, selector)
	if err != nil || got != code {
		return &FieldError{Field: FieldOption, Reason: "option change did not stick"}
	}
	return nil
}

// Submit finds and clicks the submit control. Disabled controls are never
// clicked; that surfaces as ErrSubmitDisabled.
func (d *Driver) Submit(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < SubmitSearchAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, d.SearchDelay); err != nil {
				return err
			}
		}

		button, err := d.findSubmitButton(ctx)
		if err != nil {
			lastErr = err
			d.logger.Debug("Submit button not found, retrying",
				zap.Int("attempt", attempt+1))
			continue
		}

		if button.Disabled {
			return ErrSubmitDisabled
		}

		if err := d.page.ClickButton(ctx, button.Index); err != nil {
			lastErr = fmt.Errorf("click failed: %w", err)
			continue
		}

		d.logger.Info("Form submitted", zap.String("button", button.Text))
		return nil
	}

	if lastErr == nil {
		lastErr = ErrSubmitNotFound
	}
	return lastErr
}

// SubmitPresent reports whether a submit affordance still exists. The
// fallback controller checks this before attempting an in-place retry.
func (d *Driver) SubmitPresent(ctx context.Context) bool {
	_, err := d.findSubmitButton(ctx)
	return err == nil
}

// findSubmitButton locates the submit control: a typed submit button with
// a recognized label wins; otherwise any button whose label carries a
// submit marker.
func (d *Driver) findSubmitButton(ctx context.Context) (page.Button, error) {
	buttons, err := d.page.Buttons(ctx)
	if err != nil {
		return page.Button{}, fmt.Errorf("form: listing buttons: %w", err)
	}

	for _, button := range buttons {
		if button.Type == "submit" && hasSubmitMarker(button.Text) {
			return button, nil
		}
	}
	for _, button := range buttons {
		if hasSubmitMarker(button.Text) {
			return button, nil
		}
	}
	return page.Button{}, ErrSubmitNotFound
}

func hasSubmitMarker(text string) bool {
	for _, marker := range submitMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// waitForField resolves a field to the first of its candidate selectors
// present on the page, waiting up to FieldWaitTimeout for one to appear.
func (d *Driver) waitForField(ctx context.Context, field string) (string, error) {
	selectors := fieldSelectors[field]
	if err := d.page.WaitForElement(ctx, FieldWaitTimeout, selectors...); err != nil {
		return "", &FieldError{Field: field, Reason: "not found"}
	}
	for _, selector := range selectors {
		if _, err := d.page.Value(ctx, selector); err == nil {
			return selector, nil
		}
	}
	return "", &FieldError{Field: field, Reason: "not found"}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
