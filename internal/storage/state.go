package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/model"
)

// Storage keys. The whole agent shares one flat namespace.
const (
	KeySchedule      = "schedule"
	KeyLastResult    = "lastResult"
	KeyHistory       = "history"
	KeyPendingIntent = "pendingReservation"
	KeyTabHandle     = "reservationTabId"
)

// HistoryLimit caps the result ring. Most-recent-first.
const HistoryLimit = 30

// State wraps a KV with typed accessors for the agent's durable records.
type State struct {
	logger *zap.Logger
	kv     KV
}

// NewState creates a State over kv.
func NewState(logger *zap.Logger, kv KV) *State {
	return &State{
		logger: logger.Named("state"),
		kv:     kv,
	}
}

// EnsureDefaults writes the default schedule and an empty history on first
// start. Existing records are left alone.
func (s *State) EnsureDefaults(ctx context.Context) error {
	values, err := s.kv.Get(ctx, KeySchedule)
	if err != nil {
		return err
	}
	if _, ok := values[KeySchedule]; ok {
		return nil
	}

	s.logger.Info("No schedule found, writing defaults")
	if err := s.SaveSchedule(ctx, model.DefaultSchedule()); err != nil {
		return err
	}
	return s.set(ctx, KeyHistory, []model.RunResult{})
}

// Schedule returns the persisted schedule. The second return is false when
// none has been written yet.
func (s *State) Schedule(ctx context.Context) (model.Schedule, bool, error) {
	var schedule model.Schedule
	ok, err := s.get(ctx, KeySchedule, &schedule)
	return schedule, ok, err
}

// SaveSchedule persists the schedule.
func (s *State) SaveSchedule(ctx context.Context, schedule model.Schedule) error {
	return s.set(ctx, KeySchedule, schedule)
}

// LastResult returns the most recent run result, or nil when no run has
// completed yet.
func (s *State) LastResult(ctx context.Context) (*model.RunResult, error) {
	var result model.RunResult
	ok, err := s.get(ctx, KeyLastResult, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// History returns the result ring, most recent first.
func (s *State) History(ctx context.Context) ([]model.RunResult, error) {
	var history []model.RunResult
	if _, err := s.get(ctx, KeyHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// RecordResult stores result as lastResult and pushes it onto the history
// ring, trimming to HistoryLimit entries.
func (s *State) RecordResult(ctx context.Context, result model.RunResult) error {
	if err := s.set(ctx, KeyLastResult, result); err != nil {
		return err
	}
	return s.AppendHistory(ctx, result)
}

// AppendHistory pushes result onto the history ring without touching
// lastResult. Batch submissions use this: a server-side outcome for one
// profile must not same-day-dedupe the driven run.
func (s *State) AppendHistory(ctx context.Context, result model.RunResult) error {
	history, err := s.History(ctx)
	if err != nil {
		return err
	}

	history = append([]model.RunResult{result}, history...)
	if len(history) > HistoryLimit {
		history = history[:HistoryLimit]
	}
	return s.set(ctx, KeyHistory, history)
}

// PutPendingIntent stashes the hand-off record ahead of navigation.
func (s *State) PutPendingIntent(ctx context.Context, intent model.PendingIntent) error {
	return s.set(ctx, KeyPendingIntent, intent)
}

// TakePendingIntent reads and deletes the pending intent in one call. The
// delete happens before the intent is returned to the caller so a crash
// during the slow fill/submit sequence cannot replay the submission on the
// next page load. Returns false when no intent is pending.
func (s *State) TakePendingIntent(ctx context.Context) (model.PendingIntent, bool, error) {
	var intent model.PendingIntent
	ok, err := s.get(ctx, KeyPendingIntent, &intent)
	if err != nil || !ok {
		return model.PendingIntent{}, false, err
	}
	if err := s.kv.Remove(ctx, KeyPendingIntent); err != nil {
		return model.PendingIntent{}, false, fmt.Errorf("failed to consume pending intent: %w", err)
	}
	return intent, true, nil
}

// SaveTabHandle remembers the automation tab so the cleanup path can close
// it after the run concludes.
func (s *State) SaveTabHandle(ctx context.Context, handle string) error {
	return s.set(ctx, KeyTabHandle, handle)
}

// TakeTabHandle reads and clears the remembered tab handle.
func (s *State) TakeTabHandle(ctx context.Context) (string, bool, error) {
	var handle string
	ok, err := s.get(ctx, KeyTabHandle, &handle)
	if err != nil || !ok {
		return "", false, err
	}
	if err := s.kv.Remove(ctx, KeyTabHandle); err != nil {
		return "", false, err
	}
	return handle, true, nil
}

func (s *State) get(ctx context.Context, key string, out interface{}) (bool, error) {
	values, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, map[string]json.RawMessage{key: data})
}
