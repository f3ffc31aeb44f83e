package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionCode(t *testing.T) {
	require.Equal(t, "01", OptionCode("slot1"))
	require.Equal(t, "02", OptionCode("slot2"))
	require.Equal(t, "03", OptionCode("slot3"))
	require.Equal(t, "04", OptionCode("combo"))
	require.Equal(t, "05", OptionCode("salad"))

	// Legacy aliases
	require.Equal(t, "01", OptionCode("lunch"))
	require.Equal(t, "02", OptionCode("dinner"))

	// Raw codes and unknown labels pass through
	require.Equal(t, "03", OptionCode("03"))
	require.Equal(t, "mystery", OptionCode("mystery"))
}

func TestProfile_Complete(t *testing.T) {
	profile := ReservationProfile{
		Email:          "user@example.com",
		Name:           "User",
		EmployeeID:     "1234",
		CateringOption: "slot1",
	}
	require.True(t, profile.Complete())

	require.False(t, profile.WithOption("").Complete())

	profile.EmployeeID = ""
	require.False(t, profile.Complete())
}

func TestProfile_WithOptionDoesNotMutate(t *testing.T) {
	original := ReservationProfile{CateringOption: "slot1"}
	clone := original.WithOption("slot2")
	require.Equal(t, "slot1", original.CateringOption)
	require.Equal(t, "slot2", clone.CateringOption)
}

func TestSchedule_Armable(t *testing.T) {
	require.False(t, DefaultSchedule().Armable())

	schedule := DefaultSchedule()
	schedule.Enabled = true
	require.False(t, schedule.Armable(), "no profile, must not arm")

	schedule.Profile = &ReservationProfile{Email: "user@example.com"}
	require.True(t, schedule.Armable())

	schedule.Enabled = false
	require.False(t, schedule.Armable())
}

func TestRunResult_SameDay(t *testing.T) {
	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	result := RunResult{Timestamp: noon}

	require.True(t, result.SameDay(noon.Add(11*time.Hour)))
	require.False(t, result.SameDay(noon.Add(13*time.Hour)))
	require.False(t, result.SameDay(noon.AddDate(0, 0, -1)))

	// Calendar day is evaluated in the reference time's location.
	seoul := time.FixedZone("KST", 9*3600)
	late := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC) // Mar 11, 05:00 KST
	require.False(t, RunResult{Timestamp: late}.SameDay(time.Date(2025, 3, 10, 12, 0, 0, 0, seoul)))
}

func TestRunSource_Label(t *testing.T) {
	require.Equal(t, "[auto]", SourceAuto.Label())
	require.Equal(t, "[manual]", SourceManual.Label())
	require.Equal(t, "[test]", SourceTest.Label())
}

func TestOutcome_Terminal(t *testing.T) {
	require.False(t, OutcomeUnknown.Terminal())
	for _, outcome := range []Outcome{
		OutcomeAlreadyReserved, OutcomeSuccess, OutcomeNoCapacity,
		OutcomeFailure, OutcomeTimedOut,
	} {
		require.True(t, outcome.Terminal(), string(outcome))
	}
}
