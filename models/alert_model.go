package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Alert struct {
	ID          uuid.UUID         `gorm:"type:uuid;primary_key" json:"id"`
	Type        string            `gorm:"size:60;not null;index" json:"type"`
	Severity    string            `gorm:"size:20;not null" json:"severity"`
	Description string            `gorm:"type:text" json:"description"`
	PaymentID   *uuid.UUID        `gorm:"type:uuid;index" json:"payment_id"`
	LessonID    *uuid.UUID        `gorm:"type:uuid;index" json:"lesson_id"`
	UserID      *uuid.UUID        `gorm:"type:uuid" json:"user_id"`
	Data        datatypes.JSONMap `json:"data"`
	DedupeKey   string            `gorm:"size:255;index" json:"dedupe_key"`
	ResolvedAt  *time.Time        `json:"resolved_at"`
	CreatedAt   time.Time         `gorm:"index" json:"created_at"`
}
