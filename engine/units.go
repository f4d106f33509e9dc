package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitLength is the billing increment. Partial increments round up.
const UnitLength = 15 * time.Minute

var unitLength = decimal.NewFromInt(int64(UnitLength))

// UnitsFor converts [start, end) into billable units: ceil(duration / 15m).
// Any positive interval is at least one unit. The same function is used when
// reserving and when consuming so the two always net to zero.
func UnitsFor(start, end time.Time) (int, error) {
	if !end.After(start) {
		return 0, Errorf(KindInvalidInterval, "interval end %s is not after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	d := decimal.NewFromInt(int64(end.Sub(start)))
	return int(d.Div(unitLength).Ceil().IntPart()), nil
}
