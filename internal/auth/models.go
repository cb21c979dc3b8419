package auth

import (
	"time"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderHubSpot   Provider = "hubspot"
)

// Token represents OAuth tokens for one principal/provider pair
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Account is a principal's connection to one provider. Token fields are
// mutated only by the token lifecycle manager.
type Account struct {
	PrincipalID     string
	Provider        Provider
	Token           Token
	ConnectedAt     time.Time
	LastRefreshedAt time.Time
	LastSyncedAt    time.Time
	NeedsReauth     bool
}

// Key returns the scheduling/locking key for this account.
func (a *Account) Key() string {
	return a.PrincipalID + ":" + string(a.Provider)
}
