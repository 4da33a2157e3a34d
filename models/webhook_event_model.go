package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookEvent struct {
	ID              string         `gorm:"size:255;primary_key" json:"id"`
	Provider        string         `gorm:"size:20;not null" json:"provider"`
	Type            string         `gorm:"size:100;not null;index" json:"type"`
	Payload         datatypes.JSON `json:"payload"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	ProcessingError *string        `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
