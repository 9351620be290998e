package scheduling_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/care-scheduler/scheduling"
)

func TestUnitRule_Units(t *testing.T) {
	nearest := scheduling.DefaultUnitRule()
	up := scheduling.UnitRule{MinutesPerUnit: 15, Rounding: scheduling.RoundUp}
	down := scheduling.UnitRule{MinutesPerUnit: 15, Rounding: scheduling.RoundDown}

	tests := []struct {
		name string
		rule scheduling.UnitRule
		d    time.Duration
		want int
	}{
		{"exact hour", nearest, time.Hour, 4},
		{"67 minutes rounds down", nearest, 67 * time.Minute, 4},
		{"68 minutes rounds up", nearest, 68 * time.Minute, 5},
		{"half a unit rounds up", nearest, 7*time.Minute + 30*time.Second, 1},
		{"zero", nearest, 0, 0},
		{"negative", nearest, -time.Hour, 0},
		{"up with one extra minute", up, 61 * time.Minute, 5},
		{"down drops remainder", down, 74 * time.Minute, 4},
		{"zero rule falls back to 15 minutes", scheduling.UnitRule{}, 30 * time.Minute, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Units(tt.d))
		})
	}
}

func TestHours(t *testing.T) {
	assert.True(t, decimal.RequireFromString("1.5").Equal(scheduling.Hours(90*time.Minute)))
	assert.True(t, decimal.RequireFromString("1.12").Equal(scheduling.Hours(67*time.Minute)))
	assert.True(t, scheduling.Hours(-time.Minute).IsZero())

	rule := scheduling.DefaultUnitRule()
	assert.True(t, decimal.RequireFromString("1.25").Equal(rule.UnitHours(5)))
}

func TestUnitRule_PlannedUnits(t *testing.T) {
	rule := scheduling.DefaultUnitRule()
	slot := mondaySlot("auth-1")
	assert.Equal(t, 4, rule.PlannedUnits(slot), "derived from the slot duration")

	slot.PlannedUnits = 6
	assert.Equal(t, 6, rule.PlannedUnits(slot), "explicit planned units win")
}

func TestUnitRule_Validate(t *testing.T) {
	assert.NoError(t, scheduling.DefaultUnitRule().Validate())
	assert.Error(t, scheduling.UnitRule{MinutesPerUnit: 0}.Validate())
	assert.Error(t, scheduling.UnitRule{MinutesPerUnit: 15, Rounding: "banker"}.Validate())
}
