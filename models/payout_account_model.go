package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PayoutPreferenceProcessor = "processor"
	PayoutPreferenceSecondary = "secondary"
)

type PayoutAccount struct {
	TutorID            uuid.UUID  `gorm:"type:uuid;primary_key" json:"tutor_id"`
	Email              string     `gorm:"size:255" json:"email"`
	Country            string     `gorm:"size:2" json:"country"`
	ProcessorAccountID *string    `gorm:"size:255;unique" json:"processor_account_id"`
	DetailsSubmitted   bool       `gorm:"default:false" json:"details_submitted"`
	PayoutsEnabled     bool       `gorm:"default:false" json:"payouts_enabled"`
	SecondaryEmail     *string    `gorm:"size:255" json:"secondary_email"`
	Preference         string     `gorm:"size:20;not null;default:'processor'" json:"preference"`
	StatusCheckedAt    *time.Time `json:"status_checked_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DirectTransferReady reports whether the processor sub-account is fully onboarded.
func (a *PayoutAccount) DirectTransferReady() bool {
	return a.ProcessorAccountID != nil && a.DetailsSubmitted && a.PayoutsEnabled
}
