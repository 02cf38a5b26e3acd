package services

import (
	"context"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
)

// TokenAuth treats the user as logged in when an API token is configured.
type TokenAuth struct {
	token string
}

// NewTokenAuth creates a TokenAuth for the given token.
func NewTokenAuth(token string) TokenAuth {
	return TokenAuth{token: token}
}

// IsAuthenticated reports whether a token is present.
func (a TokenAuth) IsAuthenticated() bool {
	return a.token != ""
}

// StaticBilling reports a fixed billing status, for deployments without a billing backend.
type StaticBilling struct {
	status models.BillingStatus
}

// NewStaticBilling creates a StaticBilling. An empty status reads as BillingStatusNone.
func NewStaticBilling(status models.BillingStatus) StaticBilling {
	if status == "" {
		status = models.BillingStatusNone
	}
	return StaticBilling{status: status}
}

// FetchStatus returns the configured status.
func (b StaticBilling) FetchStatus(context.Context) (models.BillingStatus, error) {
	return b.status, nil
}
