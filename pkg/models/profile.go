package models

import "time"

// Profile is a remote browser identity owned by a credential.
// An empty CredentialID falls back to the default credential.
type Profile struct {
	ID                string    `json:"id"`
	ProviderProfileID string    `json:"providerProfileId"`
	Name              string    `json:"name"`
	IsActive          bool      `json:"isActive"`
	CredentialID      string    `json:"credentialId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ProfileInput is the admin payload for profiles
type ProfileInput struct {
	ProviderProfileID *string `json:"providerProfileId,omitempty"`
	Name              *string `json:"name,omitempty"`
	IsActive          *bool   `json:"isActive,omitempty"`
	CredentialID      *string `json:"credentialId,omitempty"`
}

// Assignment binds one user to one profile
type Assignment struct {
	UserID     string    `json:"userId"`
	ProfileID  string    `json:"profileId"`
	AssignedBy string    `json:"assignedBy"`
	AssignedAt time.Time `json:"assignedAt"`
}
