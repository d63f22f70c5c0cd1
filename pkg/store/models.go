package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	DisplayName  string
	PasswordHash string
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ImageModel struct {
	ID         string `gorm:"primaryKey"`
	OwnerID    string `gorm:"not null;index:idx_image_owner_created,priority:1"`
	URL        string `gorm:"type:text;not null"`
	Filename   string `gorm:"not null"`
	StorageKey string
	// Attributes holds optional upload details (content type, size).
	Attributes datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_image_owner_created,priority:2"`
}
