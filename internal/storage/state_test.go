package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/model"
)

func newTestState(t *testing.T) *State {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	kv, err := NewSQLiteKV(logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	return NewState(logger, kv)
}

func TestState_EnsureDefaults(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	require.NoError(t, state.EnsureDefaults(ctx))

	schedule, ok, err := state.Schedule(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, schedule.Enabled)
	require.Equal(t, 15, schedule.TargetHour)
	require.Equal(t, 0, schedule.TargetMinute)

	history, err := state.History(ctx)
	require.NoError(t, err)
	require.Empty(t, history)

	// A second run must not clobber an updated schedule.
	schedule.Enabled = true
	schedule.TargetHour = 11
	require.NoError(t, state.SaveSchedule(ctx, schedule))
	require.NoError(t, state.EnsureDefaults(ctx))

	kept, ok, err := state.Schedule(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, kept.Enabled)
	require.Equal(t, 11, kept.TargetHour)
}

func TestState_RecordResult(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()
	require.NoError(t, state.EnsureDefaults(ctx))

	// No result yet
	last, err := state.LastResult(ctx)
	require.NoError(t, err)
	require.Nil(t, last)

	result := model.RunResult{Success: true, Message: "done", Timestamp: time.Now()}
	require.NoError(t, state.RecordResult(ctx, result))

	last, err = state.LastResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.True(t, last.Success)
	require.Equal(t, "done", last.Message)
}

func TestState_AppendHistoryLeavesLastResult(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()
	require.NoError(t, state.EnsureDefaults(ctx))

	driven := model.RunResult{Success: false, Message: "driven", Timestamp: time.Now()}
	require.NoError(t, state.RecordResult(ctx, driven))

	appended := model.RunResult{Success: true, Message: "[batch] reservation submitted", Timestamp: time.Now()}
	require.NoError(t, state.AppendHistory(ctx, appended))

	history, err := state.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "[batch] reservation submitted", history[0].Message)

	// lastResult still reflects the driven run, not the appended entry.
	last, err := state.LastResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, "driven", last.Message)
	require.False(t, last.Success)
}

func TestState_HistoryRing(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()
	require.NoError(t, state.EnsureDefaults(ctx))

	for i := 0; i < HistoryLimit+5; i++ {
		result := model.RunResult{
			Success:   i%2 == 0,
			Message:   fmt.Sprintf("run %d", i),
			Timestamp: time.Now(),
		}
		require.NoError(t, state.RecordResult(ctx, result))
	}

	history, err := state.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, HistoryLimit)

	// Most recent first
	require.Equal(t, fmt.Sprintf("run %d", HistoryLimit+4), history[0].Message)
	require.Equal(t, fmt.Sprintf("run %d", 5), history[HistoryLimit-1].Message)
}

func TestState_TakePendingIntentConsumes(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	// Nothing pending yet
	_, ok, err := state.TakePendingIntent(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	intent := model.PendingIntent{
		Profile: model.ReservationProfile{
			Email:          "user@example.com",
			Name:           "User",
			EmployeeID:     "1234",
			CateringOption: "slot1",
		},
		Source: model.SourceAuto,
	}
	require.NoError(t, state.PutPendingIntent(ctx, intent))

	taken, ok, err := state.TakePendingIntent(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, intent.Profile, taken.Profile)
	require.Equal(t, model.SourceAuto, taken.Source)

	// The first take must have consumed it.
	_, ok, err = state.TakePendingIntent(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestState_TabHandle(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	_, ok, err := state.TakeTabHandle(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, state.SaveTabHandle(ctx, "tab-42"))

	handle, ok, err := state.TakeTabHandle(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tab-42", handle)

	_, ok, err = state.TakeTabHandle(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
