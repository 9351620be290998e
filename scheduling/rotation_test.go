package scheduling_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-scheduler/scheduling"
)

func TestWeekIndex(t *testing.T) {
	tests := []struct {
		name   string
		offset int // days from anchor
		weeks  int
		want   int
	}{
		{"anchor day", 0, 2, 0},
		{"end of first week", 6, 2, 0},
		{"second week", 7, 2, 1},
		{"third week wraps", 14, 2, 0},
		{"anchor plus 20", 20, 2, 0},
		{"day before anchor", -1, 2, 1},
		{"week before anchor", -7, 2, 1},
		{"two weeks before anchor", -8, 2, 0},
		{"three week rotation", 15, 3, 2},
		{"single week", 40, 1, 0},
		{"no weeks", 40, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date := monday6.AddDate(0, 0, tt.offset)
			assert.Equal(t, tt.want, scheduling.WeekIndex(monday6, date, tt.weeks))
		})
	}
}

func TestTemplate_SlotsOn_AlternatingWeeks(t *testing.T) {
	// GIVEN: Week A has Monday and Wednesday visits, week B a Tuesday visit
	slot := func(id string, day time.Weekday) scheduling.TemplateEvent {
		te := mondaySlot("auth-1")
		te.ID = scheduling.TemplateEventID(id)
		te.Weekday = day
		return te
	}
	tmpl := scheduling.Template{
		ID: "t", ClientID: "c", AnchorDate: monday6,
		Weeks: []scheduling.TemplateWeek{
			{Index: 0, Events: []scheduling.TemplateEvent{slot("a-mon", time.Monday), slot("a-wed", time.Wednesday)}},
			{Index: 1, Events: []scheduling.TemplateEvent{slot("b-tue", time.Tuesday)}},
		},
	}

	// WHEN/THEN: Each date uses its own rotation week
	ids := func(d time.Time) []scheduling.TemplateEventID {
		var out []scheduling.TemplateEventID
		for _, te := range tmpl.SlotsOn(d) {
			out = append(out, te.ID)
		}
		return out
	}
	assert.Equal(t, []scheduling.TemplateEventID{"a-mon"}, ids(monday6))
	assert.Empty(t, ids(monday6.AddDate(0, 0, 1)), "week A has no Tuesday visit")
	assert.Equal(t, []scheduling.TemplateEventID{"a-wed"}, ids(monday6.AddDate(0, 0, 2)))
	assert.Empty(t, ids(monday6.AddDate(0, 0, 7)), "week B has no Monday visit")
	assert.Equal(t, []scheduling.TemplateEventID{"b-tue"}, ids(monday6.AddDate(0, 0, 8)))
	assert.Equal(t, []scheduling.TemplateEventID{"a-mon"}, ids(monday6.AddDate(0, 0, 14)))
}

func TestTemplate_Validate(t *testing.T) {
	valid := weeklyTemplate("auth-1")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*scheduling.Template)
	}{
		{"no weeks", func(tp *scheduling.Template) { tp.Weeks = nil }},
		{"missing client", func(tp *scheduling.Template) { tp.ClientID = "" }},
		{"overnight slot", func(tp *scheduling.Template) {
			tp.Weeks[0].Events[0].Start = scheduling.NewTimeOfDay(22, 0)
			tp.Weeks[0].Events[0].End = scheduling.NewTimeOfDay(2, 0)
		}},
		{"missing authorization", func(tp *scheduling.Template) { tp.Weeks[0].Events[0].AuthorizationID = "" }},
		{"duplicate slot id", func(tp *scheduling.Template) {
			tp.Weeks = append(tp.Weeks, scheduling.TemplateWeek{Index: 1, Events: []scheduling.TemplateEvent{tp.Weeks[0].Events[0]}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := weeklyTemplate("auth-1")
			tt.mutate(&tmpl)
			assert.ErrorIs(t, tmpl.Validate(), scheduling.ErrValidation)
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := scheduling.ParseTimeOfDay("09:45")
	require.NoError(t, err)
	assert.Equal(t, 9, tod.Hour())
	assert.Equal(t, 45, tod.Minute())
	assert.Equal(t, "09:45", tod.String())

	_, err = scheduling.ParseTimeOfDay("25:00")
	assert.Error(t, err)
}
