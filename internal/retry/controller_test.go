package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/classifier"
	"github.com/ozmeal/catering-agent/internal/form"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/page"
	"github.com/ozmeal/catering-agent/internal/page/pagetest"
)

// memIntents is a minimal in-memory IntentStore.
type memIntents struct {
	mu     sync.Mutex
	intent *model.PendingIntent
}

func (m *memIntents) PutPendingIntent(ctx context.Context, intent model.PendingIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intent = &intent
	return nil
}

func (m *memIntents) TakePendingIntent(ctx context.Context) (model.PendingIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intent == nil {
		return model.PendingIntent{}, false, nil
	}
	taken := *m.intent
	m.intent = nil
	return taken, true, nil
}

func testIntent(option string) model.PendingIntent {
	return model.PendingIntent{
		Profile: model.ReservationProfile{
			Email:          "user@example.com",
			Name:           "User",
			EmployeeID:     "1234",
			CateringOption: option,
		},
		Source: model.SourceAuto,
	}
}

func formPage() *pagetest.FakePage {
	fake := pagetest.New("https://reserve.example.com/apply/")
	fake.AddElement(`input[name="email"]`, "")
	fake.AddElement(`input[name="name"]`, "")
	fake.AddElement(`input[name="empNo"]`, "")
	fake.AddElement(`select[name="type"]`, "")
	fake.SetButtons(page.Button{Index: 0, Text: "신청하기", Type: "submit"})
	return fake
}

func testHarness(t *testing.T, fake *pagetest.FakePage) (*Controller, *form.Driver) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	driver := form.NewDriver(logger, fake)
	driver.Settle = time.Millisecond
	driver.SearchDelay = time.Millisecond

	controller := NewController(logger, classifier.New(logger), &memIntents{})
	controller.Settle = time.Millisecond
	controller.ColdTimeout = 200 * time.Millisecond
	controller.WarmTimeout = 200 * time.Millisecond

	return controller, driver
}

func TestNextOption(t *testing.T) {
	next, ok := NextOption("slot1")
	require.True(t, ok)
	require.Equal(t, "slot2", next)

	next, ok = NextOption("slot2")
	require.True(t, ok)
	require.Equal(t, "slot3", next)

	_, ok = NextOption("slot3")
	require.False(t, ok)
	_, ok = NextOption("combo")
	require.False(t, ok)
	_, ok = NextOption("salad")
	require.False(t, ok)
}

func TestController_SuccessFirstAttempt(t *testing.T) {
	fake := formPage()
	fake.OnClick = func(int) {
		fake.SetText("신청이 완료되었습니다")
	}
	controller, driver := testHarness(t, fake)

	result, err := controller.Run(context.Background(), driver, fake, testIntent("slot1"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSuccess, result.Verdict.Outcome)
	require.Equal(t, 0, result.Retries)
	require.Equal(t, "slot1", result.Option)
	require.Len(t, fake.Clicked, 1)
}

func TestController_InPlaceFallbackSucceeds(t *testing.T) {
	fake := formPage()
	clicks := 0
	fake.OnClick = func(int) {
		clicks++
		if clicks == 1 {
			fake.SetText("마감되었습니다")
		} else {
			fake.SetText("신청이 완료되었습니다")
		}
	}
	controller, driver := testHarness(t, fake)

	result, err := controller.Run(context.Background(), driver, fake, testIntent("slot1"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSuccess, result.Verdict.Outcome)
	require.Equal(t, 1, result.Retries)
	require.Equal(t, "slot2", result.Option)

	// In-place retry: the form was never reloaded, only the option select
	// was rewritten before the second click.
	require.Equal(t, 0, fake.Reloads)
	option, _ := fake.Value(context.Background(), `select[name="type"]`)
	require.Equal(t, "02", option)

	require.Equal(t, "[1 retry] reservation succeeded", AnnotateMessage(result.Verdict.Message, result.Retries))
}

func TestController_ExhaustsChain(t *testing.T) {
	fake := formPage()
	fake.OnClick = func(int) {
		fake.SetText("마감되었습니다")
	}
	controller, driver := testHarness(t, fake)

	result, err := controller.Run(context.Background(), driver, fake, testIntent("slot1"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeNoCapacity, result.Verdict.Outcome)
	require.False(t, result.Verdict.Success)

	// slot1 -> slot2 -> slot3, then slot3 has no successor.
	require.Equal(t, 2, result.Retries)
	require.Equal(t, "slot3", result.Option)
	require.Len(t, fake.Clicked, 3)
}

func TestController_NonChainOptionNeverRetries(t *testing.T) {
	fake := formPage()
	fake.OnClick = func(int) {
		fake.SetText("마감되었습니다")
	}
	controller, driver := testHarness(t, fake)

	result, err := controller.Run(context.Background(), driver, fake, testIntent("combo"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeNoCapacity, result.Verdict.Outcome)
	require.Equal(t, 0, result.Retries)
	require.Equal(t, "combo", result.Option)
	require.Len(t, fake.Clicked, 1)
}

func TestController_ReloadDegradation(t *testing.T) {
	fake := formPage()
	clicks := 0
	fake.OnClick = func(int) {
		clicks++
		if clicks == 1 {
			// First attempt fails for capacity and the page tears the form
			// down, so no in-place retry is possible.
			fake.SetText("마감되었습니다")
			fake.SetHasForm(false)
			fake.SetButtons()
		} else {
			fake.SetText("신청이 완료되었습니다")
		}
	}
	fake.OnReload = func() {
		fake.SetText("")
		fake.SetHasForm(true)
		fake.SetButtons(page.Button{Index: 0, Text: "신청하기", Type: "submit"})
	}
	controller, driver := testHarness(t, fake)

	result, err := controller.Run(context.Background(), driver, fake, testIntent("slot1"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSuccess, result.Verdict.Outcome)
	require.Equal(t, 1, result.Retries)
	require.Equal(t, "slot2", result.Option)
	require.Equal(t, 1, fake.Reloads)
}

func TestController_ResumesStashedRetryCount(t *testing.T) {
	fake := formPage()
	fake.OnClick = func(int) {
		fake.SetText("마감되었습니다")
	}
	controller, driver := testHarness(t, fake)

	// An intent resumed mid-sequence keeps its consumed budget.
	intent := testIntent("slot2")
	intent.RetryCount = 1

	result, err := controller.Run(context.Background(), driver, fake, intent)
	require.NoError(t, err)
	require.Equal(t, 2, result.Retries)
	require.Equal(t, "slot3", result.Option)
}

func TestAnnotateMessage(t *testing.T) {
	require.Equal(t, "done", AnnotateMessage("done", 0))
	require.Equal(t, "[1 retry] done", AnnotateMessage("done", 1))
	require.Equal(t, "[2 retries] done", AnnotateMessage("done", 2))
}
