package scheduling

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNIT RULE - Time to billing-unit conversion
// =============================================================================

type Rounding string

const (
	RoundNearest Rounding = "nearest" // half a unit or more rounds up
	RoundUp      Rounding = "up"
	RoundDown    Rounding = "down"
)

const DefaultMinutesPerUnit = 15

// UnitRule converts durations into whole units.
type UnitRule struct {
	MinutesPerUnit int
	Rounding       Rounding
}

func DefaultUnitRule() UnitRule {
	return UnitRule{MinutesPerUnit: DefaultMinutesPerUnit, Rounding: RoundNearest}
}

func (r UnitRule) Validate() error {
	if r.MinutesPerUnit <= 0 {
		return fmt.Errorf("minutes per unit must be positive, got %d", r.MinutesPerUnit)
	}
	switch r.Rounding {
	case RoundNearest, RoundUp, RoundDown, "":
		return nil
	}
	return fmt.Errorf("unknown rounding mode %q", r.Rounding)
}

func (r UnitRule) unitLength() time.Duration {
	if r.MinutesPerUnit <= 0 {
		return DefaultMinutesPerUnit * time.Minute
	}
	return time.Duration(r.MinutesPerUnit) * time.Minute
}

// Units converts d to whole units. Non-positive durations are zero units.
func (r UnitRule) Units(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	unit := r.unitLength()
	whole := int(d / unit)
	rem := d % unit

	switch r.Rounding {
	case RoundUp:
		if rem > 0 {
			whole++
		}
	case RoundDown:
	default:
		if rem*2 >= unit {
			whole++
		}
	}
	return whole
}

// Hours returns d in hours rounded to two decimals.
func Hours(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(d / time.Minute)).Div(decimal.NewFromInt(60)).Round(2)
}

// UnitHours is the billed length of n units, in hours.
func (r UnitRule) UnitHours(n int) decimal.Decimal {
	minutes := decimal.NewFromInt(int64(n)).Mul(decimal.NewFromInt(int64(r.unitLength() / time.Minute)))
	return minutes.Div(decimal.NewFromInt(60)).Round(2)
}

// PlannedUnits is the reservation size for a template slot.
func (r UnitRule) PlannedUnits(te TemplateEvent) int {
	if te.PlannedUnits > 0 {
		return te.PlannedUnits
	}
	return r.Units(te.Duration())
}
