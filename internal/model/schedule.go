package model

// Schedule is the persisted daily run configuration. Read once per alarm
// fire; updated by user action or by dashboard profile sync.
type Schedule struct {
	Enabled      bool                `json:"enabled"`
	TargetHour   int                 `json:"target_hour"`
	TargetMinute int                 `json:"target_minute"`
	Profile      *ReservationProfile `json:"profile,omitempty"`
}

// DefaultSchedule is written on first start when no schedule exists yet.
func DefaultSchedule() Schedule {
	return Schedule{
		Enabled:      false,
		TargetHour:   15,
		TargetMinute: 0,
		Profile:      nil,
	}
}

// Armable reports whether the scheduler may arm a timer for this schedule.
// A schedule with no profile never arms, whatever the enabled flag says.
func (s Schedule) Armable() bool {
	return s.Enabled && s.Profile != nil
}
