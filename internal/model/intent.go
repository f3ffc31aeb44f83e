package model

// PendingIntent is the hand-off record between the coordinator (written
// before navigating to the form page) and the form driver (consumed after
// the page load, where no in-memory state survives). At most one exists at
// a time. Consumers must delete it before the fill/submit sequence starts
// so a crash mid-run cannot re-trigger a submission on the next load.
type PendingIntent struct {
	Profile    ReservationProfile `json:"profile"`
	Source     RunSource          `json:"source"`
	RetryCount int                `json:"retry_count"`
	TestMode   bool               `json:"test_mode,omitempty"`
}
