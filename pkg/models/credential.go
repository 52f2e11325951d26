package models

import "time"

// Credential is a browser-provider account. Each active credential is one lane.
type Credential struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Token         string    `json:"-"`
	IsActive      bool      `json:"isActive"`
	IsDefault     bool      `json:"isDefault"`
	MaxConcurrent int       `json:"maxConcurrent"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CredentialInput is the admin payload for creating or updating a credential.
// Nil fields are left untouched on update.
type CredentialInput struct {
	Name          *string `json:"name,omitempty"`
	Token         *string `json:"token,omitempty"`
	IsActive      *bool   `json:"isActive,omitempty"`
	MaxConcurrent *int    `json:"maxConcurrent,omitempty"`
}
