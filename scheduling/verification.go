package scheduling

import "time"

// DefaultVerification maps an event's scheduling state to the verification
// state back-office review starts from. It is a pure function of the
// event, its visit record (may be nil), and now.
//
//	CANCELLED, no open delivery          -> CANCELLED
//	CANCELLED, checked in, not out       -> IN_PROGRESS (INCOMPLETE after window)
//	DRAFT/PLANNED/CONFIRMED before end   -> NOT_STARTED
//	DRAFT/PLANNED/CONFIRMED after end    -> INCOMPLETE (never checked out)
//	IN_PROGRESS before end               -> IN_PROGRESS
//	IN_PROGRESS after end                -> INCOMPLETE
//	COMPLETED with times                 -> COMPLETED
//	COMPLETED missing check-out and adjusted times -> INCOMPLETE
//
// VERIFIED is never produced here: only an auditor sets it.
func DefaultVerification(ev ScheduleEvent, visit *VisitRecord, now time.Time) VerificationStatus {
	windowPassed := !ev.EndAt.IsZero() && now.After(ev.EndAt)

	switch ev.Status {
	case StatusCancelled:
		if !ev.DeliveryOpen() {
			return VerificationCancelled
		}
		if windowPassed {
			return VerificationIncomplete
		}
		return VerificationInProgress
	case StatusDraft, StatusPlanned, StatusConfirmed:
		if windowPassed {
			return VerificationIncomplete
		}
		return VerificationNotStarted
	case StatusInProgress:
		if windowPassed {
			return VerificationIncomplete
		}
		return VerificationInProgress
	case StatusCompleted:
		if ev.CheckOutAt == nil && (visit == nil || !visit.Adjusted()) {
			return VerificationIncomplete
		}
		return VerificationCompleted
	}
	return VerificationNotStarted
}

// nextVerification keeps a manual VERIFIED unless the event was cancelled
// out from under it.
func nextVerification(current VerificationStatus, ev ScheduleEvent, visit *VisitRecord, now time.Time) VerificationStatus {
	derived := DefaultVerification(ev, visit, now)
	if current == VerificationVerified && derived != VerificationCancelled {
		return VerificationVerified
	}
	return derived
}
