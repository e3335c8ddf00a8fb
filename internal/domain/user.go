package domain

import "time"

// ConnectedService is one external service token stored against a user,
// encrypted at rest by internal/secrets (spec.md §6 users.json).
type ConnectedService struct {
	Provider       string    `json:"provider"`
	EncryptedToken string    `json:"encrypted_token"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// User is an identity record in users.json.
type User struct {
	UserID    string             `json:"user_id"`
	Username  string             `json:"username"`
	Services  []ConnectedService `json:"services,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
