package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/batch"
	"github.com/ozmeal/catering-agent/internal/host"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/retry"
	"github.com/ozmeal/catering-agent/internal/run"
	"github.com/ozmeal/catering-agent/internal/scheduler"
	"github.com/ozmeal/catering-agent/internal/storage"
	"github.com/ozmeal/catering-agent/internal/testutil"
)

func setupService(t *testing.T) (*Service, *storage.State, func(subject string, payload, reply interface{})) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	nc, cleanup := testutil.StartNATS(t)
	t.Cleanup(cleanup)

	kv, err := storage.NewSQLiteKV(logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	state := storage.NewState(logger, kv)
	require.NoError(t, state.EnsureDefaults(context.Background()))

	notifier := host.NewLogNotifier(logger)
	alarms := host.NewCronAlarms(logger, func(string) {})
	sched := scheduler.NewDailyScheduler(logger, alarms, state, notifier)

	controller := retry.NewController(logger, nil, state)
	coordinator := run.NewCoordinator(logger, run.Config{
		TargetURL: "https://reserve.example.com/apply/",
	}, state, nil, nil, notifier, controller, sched)

	service := NewService(logger, nc, state, coordinator, sched, nil)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(service.Stop)

	request := func(subject string, payload, reply interface{}) {
		t.Helper()
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		msg, err := nc.Request(subject, data, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg.Data, reply))
	}

	return service, state, request
}

func TestService_UpdateScheduleAndStatusRoundTrip(t *testing.T) {
	_, _, request := setupService(t)

	schedule := model.Schedule{
		Enabled:      true,
		TargetHour:   12,
		TargetMinute: 30,
		Profile: &model.ReservationProfile{
			Email:          "user@example.com",
			Name:           "User",
			EmployeeID:     "1234",
			CateringOption: "slot1",
		},
	}

	var ack Ack
	request(SubjectUpdateSchedule, UpdateScheduleRequest{Schedule: schedule}, &ack)
	require.True(t, ack.Success, ack.Error)

	var status StatusReply
	request(SubjectStatus, struct{}{}, &status)
	require.NotNil(t, status.Schedule)
	require.True(t, status.Schedule.Enabled)
	require.Equal(t, 12, status.Schedule.TargetHour)
	require.Equal(t, 30, status.Schedule.TargetMinute)

	// Updating armed the main alarm, and it is visible in the status.
	require.NotNil(t, status.Alarm)
	require.Equal(t, scheduler.AlarmMain, status.Alarm.Name)
	require.True(t, status.Alarm.ScheduledTime.After(time.Now()))
}

func TestService_RecordResult(t *testing.T) {
	_, state, request := setupService(t)

	var ack Ack
	request(SubjectResult, ResultMessage{Result: model.RunResult{
		Success:   true,
		Message:   "[batch] reservation submitted",
		Timestamp: time.Now(),
	}}, &ack)
	require.True(t, ack.Success)

	last, err := state.LastResult(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	require.True(t, last.Success)
	require.Equal(t, "[batch] reservation submitted", last.Message)

	var status StatusReply
	request(SubjectStatus, struct{}{}, &status)
	require.NotNil(t, status.LastResult)
	require.Equal(t, "[batch] reservation submitted", status.LastResult.Message)
}

func TestService_CloseTabWithoutTab(t *testing.T) {
	_, _, request := setupService(t)

	// No tab remembered: closing is a successful no-op.
	var ack Ack
	request(SubjectCloseTab, struct{}{}, &ack)
	require.True(t, ack.Success)
}

func TestService_BatchRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("신청이 완료되었습니다"))
	}))
	defer server.Close()

	svc, state, request := setupService(t)
	logger, _ := zap.NewDevelopment()
	svc.batch = batch.NewExecutor(logger, server.URL, state)

	var summary batch.Summary
	request(SubjectBatchRun, BatchRunRequest{Entries: []batch.Entry{{
		ID: "u1",
		Profile: model.ReservationProfile{
			Email:          "one@example.com",
			Name:           "User",
			EmployeeID:     "1234",
			CateringOption: "slot1",
		},
	}}}, &summary)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, summary.Successful)
	require.Equal(t, 0, summary.Failed)

	// The batch outcome lands in history but leaves lastResult alone,
	// so the next driven run is not same-day-deduped by it.
	history, err := state.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Contains(t, history[0].Message, "[batch]")

	last, err := state.LastResult(context.Background())
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestService_BatchRunWithoutExecutor(t *testing.T) {
	_, _, request := setupService(t)

	var ack Ack
	request(SubjectBatchRun, BatchRunRequest{}, &ack)
	require.False(t, ack.Success)
	require.Contains(t, ack.Error, "not configured")
}

func TestService_OpenPageWithoutCapability(t *testing.T) {
	_, _, request := setupService(t)

	// The harness has no browser wired; opening must fail cleanly.
	var reply OpenPageReply
	request(SubjectOpenPage, OpenPageRequest{
		Data: &model.ReservationProfile{
			Email:          "user@example.com",
			Name:           "User",
			EmployeeID:     "1234",
			CateringOption: "slot1",
		},
	}, &reply)
	require.False(t, reply.Success)
	require.NotEmpty(t, reply.Error)
}
