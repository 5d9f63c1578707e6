package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a platform account, created on first contact from the frontend.
type User struct {
	ID            int64     `json:"id"`
	TelegramID    int64     `json:"telegram_id"`
	Username      string    `json:"username,omitempty"`
	PreferredName string    `json:"preferred_name,omitempty"`
	Timezone      string    `json:"timezone,omitempty"` // IANA name, e.g. "Europe/Berlin"
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserSecretaryAssignment links a user to their active secretary assistant.
// At most one active assignment per user.
type UserSecretaryAssignment struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	SecretaryID uuid.UUID `json:"secretary_id"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
