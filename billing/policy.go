package billing

import (
	"math"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/shopspring/decimal"
)

type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeMutualNoShow    OutcomeKind = "mutual_no_show"
	OutcomeStudentNoShow   OutcomeKind = "student_no_show"
	OutcomeTutorNoShow     OutcomeKind = "tutor_no_show"
	OutcomeAttendedNoStart OutcomeKind = "attended_no_start"
)

// Outcome is the billing result derived for a lesson past its end time.
type Outcome struct {
	Kind          OutcomeKind
	Status        models.LessonStatus
	BillingStatus models.BillingStatus
	CancelledBy   string
	Reason        string
	// Charge is what the payer pays; Refund is what goes back out of the booked price.
	Charge        decimal.Decimal
	Refund        decimal.Decimal
	ActualPrice   decimal.NullDecimal
	ActualMinutes *int
	// Anomaly marks outcomes that may hide a lost attendance event.
	Anomaly bool
}

// ActualMinutes is the call length rounded up to whole minutes.
func ActualMinutes(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	return int(math.Ceil(end.Sub(start).Minutes()))
}

// MeteredPrice charges the per-minute rate derived from the standard rate and duration.
func MeteredPrice(standardRate decimal.Decimal, standardMinutes, minutes int) decimal.Decimal {
	if standardMinutes <= 0 || minutes <= 0 {
		return decimal.Zero
	}
	perMinute := standardRate.Div(decimal.NewFromInt(int64(standardMinutes)))
	return Cents(perMinute.Mul(decimal.NewFromInt(int64(minutes))))
}

// DecideOutcome applies the attendance policy to a lesson that is past its end time.
// now bounds the call end when the end signal was never received.
func DecideOutcome(l *models.Lesson, now time.Time) Outcome {
	if l.ActualCallStartTime != nil {
		return completedOutcome(l, now)
	}

	tutor := l.TutorJoinedAt != nil
	student := l.StudentJoinedAt != nil

	switch {
	case !tutor && !student:
		return Outcome{
			Kind:          OutcomeMutualNoShow,
			Status:        models.LessonCancelled,
			BillingStatus: models.BillingNoShow,
			CancelledBy:   models.CancelledBySystem,
			Reason:        "no_show_both",
			Charge:        decimal.Zero,
			Refund:        l.Price,
		}
	case tutor && !student:
		fee := CancellationFee(l.Price)
		return Outcome{
			Kind:          OutcomeStudentNoShow,
			Status:        models.LessonCancelled,
			BillingStatus: models.BillingCharged,
			CancelledBy:   models.CancelledByStudent,
			Reason:        "no_show_student",
			Charge:        fee,
			Refund:        l.Price.Sub(fee),
		}
	case !tutor && student:
		return Outcome{
			Kind:          OutcomeTutorNoShow,
			Status:        models.LessonCancelled,
			BillingStatus: models.BillingRefunded,
			CancelledBy:   models.CancelledByTutor,
			Reason:        "no_show_tutor",
			Charge:        decimal.Zero,
			Refund:        l.Price,
		}
	default:
		return Outcome{
			Kind:          OutcomeAttendedNoStart,
			Status:        models.LessonCompleted,
			BillingStatus: models.BillingCharged,
			Reason:        "attended_without_call_start",
			Charge:        l.Price,
			Refund:        decimal.Zero,
			Anomaly:       true,
		}
	}
}

func completedOutcome(l *models.Lesson, now time.Time) Outcome {
	start := *l.ActualCallStartTime
	end := now
	if l.ActualCallEndTime != nil {
		end = *l.ActualCallEndTime
	} else if l.EndTime.Before(now) {
		end = l.EndTime
	}
	minutes := ActualMinutes(start, end)

	out := Outcome{
		Kind:          OutcomeCompleted,
		Status:        models.LessonCompleted,
		BillingStatus: models.BillingCharged,
		Charge:        l.Price,
		ActualMinutes: &minutes,
	}
	if l.IsMetered() {
		price := MeteredPrice(l.StandardRate, l.StandardDurationMinutes, minutes)
		if price.GreaterThan(l.Price) {
			price = l.Price
		}
		out.Charge = price
		out.ActualPrice = decimal.NullDecimal{Decimal: price, Valid: true}
	}
	out.Refund = l.Price.Sub(out.Charge)
	return out
}

// Apply writes the outcome onto the lesson. It does not touch payment state.
func (o Outcome) Apply(l *models.Lesson, now time.Time) {
	l.Status = o.Status
	l.BillingStatus = o.BillingStatus
	if o.ActualMinutes != nil {
		m := *o.ActualMinutes
		l.ActualDurationMinutes = &m
	}
	if o.ActualPrice.Valid {
		l.ActualPrice = o.ActualPrice
	}
	switch o.Status {
	case models.LessonCancelled:
		by := o.CancelledBy
		reason := o.Reason
		l.CancelledBy = &by
		l.CancelReason = &reason
		l.CancellationFeeCharged = o.Charge
		l.CancelledAt = &now
	case models.LessonCompleted:
		l.CompletedAt = &now
	}
}
