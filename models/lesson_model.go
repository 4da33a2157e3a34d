package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LessonStatus string

const (
	LessonScheduled  LessonStatus = "scheduled"
	LessonInProgress LessonStatus = "in_progress"
	LessonEndedEarly LessonStatus = "ended_early"
	LessonCompleted  LessonStatus = "completed"
	LessonCancelled  LessonStatus = "cancelled"
)

type BillingStatus string

const (
	BillingPending    BillingStatus = "pending"
	BillingAuthorized BillingStatus = "authorized"
	BillingCharged    BillingStatus = "charged"
	BillingRefunded   BillingStatus = "refunded"
	BillingNoShow     BillingStatus = "no_show"
)

const (
	LessonTypeStandard    = "standard"
	LessonTypeOfficeHours = "office_hours"
)

const (
	CancelledByStudent = "student"
	CancelledByTutor   = "tutor"
	CancelledBySystem  = "system"
)

type Lesson struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	StudentID uuid.UUID `gorm:"type:uuid;not null;index" json:"student_id"`
	TutorID   uuid.UUID `gorm:"type:uuid;not null;index" json:"tutor_id"`

	LessonType              string              `gorm:"size:20;not null;default:'standard'" json:"lesson_type"`
	Price                   decimal.Decimal     `gorm:"type:numeric(12,2);not null" json:"price"`
	ActualPrice             decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"actual_price"`
	StandardRate            decimal.Decimal     `gorm:"type:numeric(12,2);default:0" json:"standard_rate"`
	StandardDurationMinutes int                 `gorm:"default:0" json:"standard_duration_minutes"`

	StartTime time.Time `gorm:"not null;index" json:"start_time"`
	EndTime   time.Time `gorm:"not null;index" json:"end_time"`

	Status        LessonStatus  `gorm:"size:20;not null;default:'scheduled';index" json:"status"`
	BillingStatus BillingStatus `gorm:"size:20;not null;default:'pending'" json:"billing_status"`

	TutorJoinedAt         *time.Time `json:"tutor_joined_at"`
	StudentJoinedAt       *time.Time `json:"student_joined_at"`
	ActualCallStartTime   *time.Time `json:"actual_call_start_time"`
	ActualCallEndTime     *time.Time `json:"actual_call_end_time"`
	ActualDurationMinutes *int       `json:"actual_duration_minutes"`

	PaymentID *uuid.UUID `gorm:"type:uuid;unique" json:"payment_id"`

	CancelledBy            *string         `gorm:"size:20" json:"cancelled_by"`
	CancelReason           *string         `gorm:"type:text" json:"cancel_reason"`
	CancellationFeeCharged decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"cancellation_fee_charged"`
	CancelledAt            *time.Time      `json:"cancelled_at"`
	CompletedAt            *time.Time      `gorm:"index" json:"completed_at"`

	RevenueRecognized bool `gorm:"default:false" json:"revenue_recognized"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *Lesson) IsMetered() bool {
	return l.LessonType == LessonTypeOfficeHours
}

// BillableAmount is what the payer owes for the lesson in its current state.
func (l *Lesson) BillableAmount() decimal.Decimal {
	if l.Status == LessonCancelled {
		return l.CancellationFeeCharged
	}
	if l.ActualPrice.Valid {
		return l.ActualPrice.Decimal
	}
	return l.Price
}

func (l *Lesson) IsTerminal() bool {
	return l.Status == LessonCompleted || l.Status == LessonCancelled
}
