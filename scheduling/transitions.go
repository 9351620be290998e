package scheduling

// Action is an externally triggered lifecycle command.
type Action string

const (
	ActionPlan     Action = "plan"
	ActionConfirm  Action = "confirm"
	ActionCheckIn  Action = "checkIn"
	ActionCheckOut Action = "checkOut"
	ActionCancel   Action = "cancel"
	ActionVerify   Action = "verify"
	ActionAdjust   Action = "adjust"
)

func (a Action) Valid() bool {
	switch a {
	case ActionPlan, ActionConfirm, ActionCheckIn, ActionCheckOut, ActionCancel, ActionVerify, ActionAdjust:
		return true
	}
	return false
}

// UnitEffect is what a transition does to the event's reservation.
type UnitEffect int

const (
	UnitsUnchanged UnitEffect = iota
	UnitsRelease
	UnitsReconcile // adjust to actual units
)

// Transition is a single allowed edge of the scheduling state machine.
type Transition struct {
	From   EventStatus
	Action Action
	To     EventStatus
	Units  UnitEffect

	// Guard, when set, must hold for the edge to apply.
	Guard func(ScheduleEvent) bool
}

// transitionsTable lists every scheduling edge. Verification and
// adjustment are not scheduling edges; see visit.go.
var transitionsTable = []Transition{
	{From: StatusDraft, Action: ActionPlan, To: StatusPlanned},
	{From: StatusPlanned, Action: ActionConfirm, To: StatusConfirmed},
	{From: StatusConfirmed, Action: ActionCheckIn, To: StatusInProgress},
	{From: StatusInProgress, Action: ActionCheckOut, To: StatusCompleted, Units: UnitsReconcile},

	// Delivery that was already under way when the visit was cancelled
	// may still be checked out and documented.
	{From: StatusCancelled, Action: ActionCheckOut, To: StatusCompleted, Units: UnitsReconcile,
		Guard: ScheduleEvent.DeliveryOpen},

	{From: StatusDraft, Action: ActionCancel, To: StatusCancelled, Units: UnitsRelease},
	{From: StatusPlanned, Action: ActionCancel, To: StatusCancelled, Units: UnitsRelease},
	{From: StatusConfirmed, Action: ActionCancel, To: StatusCancelled, Units: UnitsRelease},
	{From: StatusInProgress, Action: ActionCancel, To: StatusCancelled},
}

// Lookup returns the edge for (from, action) that applies to ev.
func Lookup(ev ScheduleEvent, action Action) (Transition, bool) {
	for _, t := range transitionsTable {
		if t.From != ev.Status || t.Action != action {
			continue
		}
		if t.Guard != nil && !t.Guard(ev) {
			continue
		}
		return t, true
	}
	return Transition{}, false
}

// Terminal reports whether no scheduling edge leaves status.
func Terminal(status EventStatus) bool {
	return status == StatusCompleted || status == StatusCancelled
}
