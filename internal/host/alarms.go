package host

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronAlarms implements AlarmService on a robfig/cron runner. Each named
// alarm is one cron entry with a fixed first fire time and a repeat period.
type CronAlarms struct {
	logger  *zap.Logger
	cron    *cron.Cron
	handler func(name string)

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]*alarmSchedule
}

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewCronAlarms creates the alarm service. handler is invoked with the
// alarm name on every fire, on the cron goroutine.
func NewCronAlarms(logger *zap.Logger, handler func(name string)) *CronAlarms {
	named := logger.Named("alarms")
	runner := cron.New(cron.WithChain(cron.Recover(&cronLogger{logger: named.Named("cron")})))

	return &CronAlarms{
		logger:  named,
		cron:    runner,
		handler: handler,
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]*alarmSchedule),
	}
}

// Start starts the cron runner.
func (a *CronAlarms) Start() {
	a.cron.Start()
}

// Stop stops the runner and waits for in-flight jobs.
func (a *CronAlarms) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

// Create implements AlarmService.Create.
func (a *CronAlarms) Create(name string, when time.Time, period time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entryID, ok := a.entries[name]; ok {
		a.cron.Remove(entryID)
		delete(a.entries, name)
		delete(a.specs, name)
	}

	spec := &alarmSchedule{when: when, period: period}
	entryID := a.cron.Schedule(spec, cron.FuncJob(func() {
		a.logger.Info("Alarm fired", zap.String("name", name))
		a.handler(name)
	}))

	a.entries[name] = entryID
	a.specs[name] = spec

	a.logger.Info("Alarm armed",
		zap.String("name", name),
		zap.Time("when", when),
		zap.Duration("period", period))

	return nil
}

// Clear implements AlarmService.Clear.
func (a *CronAlarms) Clear(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entryID, ok := a.entries[name]
	if !ok {
		return
	}
	a.cron.Remove(entryID)
	delete(a.entries, name)
	delete(a.specs, name)

	a.logger.Info("Alarm cleared", zap.String("name", name))
}

// List implements AlarmService.List.
func (a *CronAlarms) List() []Alarm {
	a.mu.Lock()
	defer a.mu.Unlock()

	alarms := make([]Alarm, 0, len(a.specs))
	for name, spec := range a.specs {
		alarms = append(alarms, Alarm{
			Name:          name,
			ScheduledTime: spec.Next(time.Now()),
		})
	}
	return alarms
}

// alarmSchedule implements cron.Schedule: first fire at when, then every
// period. A zero period never fires again after when.
type alarmSchedule struct {
	when   time.Time
	period time.Duration
}

// Next returns the next fire instant strictly after t.
func (s *alarmSchedule) Next(t time.Time) time.Time {
	if t.Before(s.when) {
		return s.when
	}
	if s.period <= 0 {
		// One-shot alarm already spent.
		return time.Time{}
	}
	elapsed := t.Sub(s.when)
	intervals := elapsed/s.period + 1
	return s.when.Add(intervals * s.period)
}
