package domain

import "time"

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// Image is the metadata record of one uploaded image. Records are created
// and deleted, never updated.
type Image struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"userId"`
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	StorageKey  string    `json:"-"`
	ContentType string    `json:"contentType,omitempty"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"displayName"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// GallerySnapshot is the full set of one owner's images, newest first.
type GallerySnapshot struct {
	OwnerID string    `json:"ownerId"`
	Images  []Image   `json:"images"`
	At      time.Time `json:"at"`
}
