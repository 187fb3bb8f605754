package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestAddBusinessDays(t *testing.T) {
	cases := []struct {
		name  string
		start string
		n     int
		want  string
	}{
		{"friday plus two is tuesday", "2024-06-14 09:00", 2, "2024-06-18 09:00"},
		{"friday plus three is wednesday", "2024-06-14 09:00", 3, "2024-06-19 09:00"},
		{"saturday plus one is monday", "2024-06-15 10:30", 1, "2024-06-17 10:30"},
		{"sunday plus one is monday", "2024-06-16 00:00", 1, "2024-06-17 00:00"},
		{"monday plus five is next monday", "2024-06-17 08:00", 5, "2024-06-24 08:00"},
		{"zero keeps start", "2024-06-15 08:00", 0, "2024-06-15 08:00"},
		{"negative keeps start", "2024-06-14 08:00", -3, "2024-06-14 08:00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AddBusinessDays(day(tc.start), tc.n)
			assert.Equal(t, day(tc.want), got)
		})
	}
}

func TestAddBusinessDaysNeverLandsOnWeekend(t *testing.T) {
	start := day("2024-01-01 12:00")
	for i := 0; i < 60; i++ {
		for n := 1; n <= 7; n++ {
			got := AddBusinessDays(start.AddDate(0, 0, i), n)
			assert.True(t, IsBusinessDay(got), "start+%d n=%d landed on %s", i, n, got.Weekday())
		}
	}
}

func TestFakeAdvance(t *testing.T) {
	f := NewFake(day("2024-06-14 09:00"))
	f.Advance(48 * time.Hour)
	assert.Equal(t, day("2024-06-16 09:00"), f.Now())
	f.Set(day("2024-07-01 00:00"))
	assert.Equal(t, day("2024-07-01 00:00"), f.Now())
}
