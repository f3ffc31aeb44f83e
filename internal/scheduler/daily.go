// Package scheduler arms the daily reservation alarms and re-derives them
// on process restart. Timers live in the host alarm service and do not
// survive restarts, so rearming from the persisted schedule is mandatory.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/host"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/storage"
)

// Alarm names. The main alarm triggers the run; the reminder alarms only
// surface a heads-up notification so the user keeps the machine awake.
const (
	AlarmMain       = "catering-reservation"
	AlarmReminder10 = "catering-reservation-10min"
	AlarmReminder5  = "catering-reservation-5min"

	alarmPeriod = 24 * time.Hour
)

var reminderOffsets = map[string]time.Duration{
	AlarmReminder10: 10 * time.Minute,
	AlarmReminder5:  5 * time.Minute,
}

// NextFireTime computes the next daily fire instant: today at hour:minute
// in now's location, rolled forward one day when that instant has already
// passed. The result is always strictly after now.
func NextFireTime(now time.Time, hour, minute int) time.Time {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

// DailyScheduler owns the three named alarms for one profile.
type DailyScheduler struct {
	logger   *zap.Logger
	alarms   host.AlarmService
	state    *storage.State
	notifier host.Notifier

	// OnFire runs the reservation pipeline. Wired by the coordinator.
	OnFire func(ctx context.Context)

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewDailyScheduler creates the scheduler.
func NewDailyScheduler(logger *zap.Logger, alarms host.AlarmService, state *storage.State, notifier host.Notifier) *DailyScheduler {
	return &DailyScheduler{
		logger:   logger.Named("scheduler"),
		alarms:   alarms,
		state:    state,
		notifier: notifier,
		Now:      time.Now,
	}
}

// Arm clears and re-creates all alarms for the schedule. A disabled
// schedule, or one without a profile, arms nothing. Timer-creation
// failures are logged and returned but never retried here; the next
// restart or schedule update re-attempts.
func (s *DailyScheduler) Arm(schedule model.Schedule) error {
	s.alarms.Clear(AlarmMain)
	s.alarms.Clear(AlarmReminder10)
	s.alarms.Clear(AlarmReminder5)

	if !schedule.Armable() {
		s.logger.Info("Schedule disarmed",
			zap.Bool("enabled", schedule.Enabled),
			zap.Bool("has_profile", schedule.Profile != nil))
		return nil
	}

	now := s.Now()
	fireAt := NextFireTime(now, schedule.TargetHour, schedule.TargetMinute)

	if err := s.alarms.Create(AlarmMain, fireAt, alarmPeriod); err != nil {
		return fmt.Errorf("failed to arm main alarm: %w", err)
	}

	for name, offset := range reminderOffsets {
		reminderAt := fireAt.Add(-offset)
		if !reminderAt.After(now) {
			// Past reminder slots are skipped; tomorrow's rearm restores
			// them.
			continue
		}
		if err := s.alarms.Create(name, reminderAt, alarmPeriod); err != nil {
			s.logger.Error("Failed to arm reminder alarm",
				zap.String("name", name),
				zap.Error(err))
		}
	}

	s.logger.Info("Alarms armed",
		zap.Time("fire_at", fireAt),
		zap.Int("target_hour", schedule.TargetHour),
		zap.Int("target_minute", schedule.TargetMinute))
	return nil
}

// RearmFromStore reads the persisted schedule and arms it. Called on every
// process start and after each schedule update.
func (s *DailyScheduler) RearmFromStore(ctx context.Context) error {
	schedule, ok, err := s.state.Schedule(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("No schedule persisted yet, nothing to arm")
		return nil
	}
	return s.Arm(schedule)
}

// NextAlarm returns the armed main alarm, if any.
func (s *DailyScheduler) NextAlarm() (host.Alarm, bool) {
	for _, alarm := range s.alarms.List() {
		if alarm.Name == AlarmMain {
			return alarm, true
		}
	}
	return host.Alarm{}, false
}

// HandleAlarm dispatches one alarm fire. Reminder alarms surface a
// notification; the main alarm starts the run pipeline.
func (s *DailyScheduler) HandleAlarm(ctx context.Context, name string) {
	switch name {
	case AlarmReminder10, AlarmReminder5:
		minutes := int(reminderOffsets[name].Minutes())
		notification := host.Notification{
			Title:    fmt.Sprintf("Reservation in %d minutes", minutes),
			Body:     "The reservation run starts soon. Keep this machine awake.",
			Priority: host.PriorityHigh,
		}
		if err := s.notifier.Show(ctx, notification); err != nil {
			s.logger.Error("Failed to show reminder notification", zap.Error(err))
		}
	case AlarmMain:
		if s.OnFire == nil {
			s.logger.Error("Main alarm fired with no run pipeline wired")
			return
		}
		s.OnFire(ctx)
	default:
		s.logger.Warn("Ignoring unknown alarm", zap.String("name", name))
	}
}
