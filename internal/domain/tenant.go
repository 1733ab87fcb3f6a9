// Package domain contains core business types and interfaces.
//
// This file defines the Tenant type: one isolated forum community backed by
// its own logical database.
package domain

import (
	"encoding/json"
	"time"
)

// TenantStatus is the lifecycle state of a tenant. The core only reads it;
// billing and admin flows move tenants between states.
type TenantStatus string

const (
	TenantStatusTrial     TenantStatus = "trial"
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusExpired   TenantStatus = "expired"
)

// Valid returns true if s is a known tenant status.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusTrial, TenantStatusActive, TenantStatusSuspended, TenantStatusExpired:
		return true
	}
	return false
}

// ServableStatuses lists the statuses a tenant can be served in. Lookups by
// slug and custom domain only return tenants in one of these states.
var ServableStatuses = []TenantStatus{TenantStatusTrial, TenantStatusActive}

// TrialPeriod is the length of the trial granted to a new tenant.
const TrialPeriod = 14 * 24 * time.Hour

// Tenant represents one customer forum.
type Tenant struct {
	ID           int64           `json:"id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	CustomDomain *string         `json:"custom_domain,omitempty"`
	OwnerID      int64           `json:"owner_id"`
	PlanID       int64           `json:"plan_id"`
	Status       TenantStatus    `json:"status"`
	TrialEndsAt  *time.Time      `json:"trial_ends_at,omitempty"`
	DBName       string          `json:"db_name"`
	DBHost       *string         `json:"db_host,omitempty"` // nil means the shared default host
	Settings     json.RawMessage `json:"settings,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsActive returns true if the tenant is active or still in its trial.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive || t.Status == TenantStatusTrial
}

// HostOr returns the tenant's database host override, or fallback when the
// tenant uses the shared host.
func (t *Tenant) HostOr(fallback string) string {
	if t.DBHost != nil && *t.DBHost != "" {
		return *t.DBHost
	}
	return fallback
}

// Domain returns the custom domain, or "" when none is set.
func (t *Tenant) Domain() string {
	if t.CustomDomain == nil {
		return ""
	}
	return *t.CustomDomain
}

// SubscriptionStatus mirrors the billing provider's subscription states.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription ties a tenant to a plan for a billing period.
type Subscription struct {
	ID                 int64
	TenantID           int64
	PlanID             int64
	Status             SubscriptionStatus
	TrialEndsAt        *time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CreatedAt          time.Time
}

// AdminRole is the role a user holds on a tenant.
type AdminRole string

const (
	AdminRoleOwner     AdminRole = "owner"
	AdminRoleAdmin     AdminRole = "admin"
	AdminRoleModerator AdminRole = "moderator"
)

// TenantAdmin grants a main-site user administrative rights over a tenant.
type TenantAdmin struct {
	ID        int64
	TenantID  int64
	UserID    int64
	Role      AdminRole
	CreatedAt time.Time
}

// OwnerAccount is the first account created inside a new tenant database.
type OwnerAccount struct {
	Username     string
	Email        string
	PasswordHash string // bcrypt hash, never the raw password
}

// CreateTenantParams contains the parameters for registering a tenant.
type CreateTenantParams struct {
	Name         string
	Slug         string // Optional, derived from Name when empty
	OwnerID      int64
	PlanID       int64
	CustomDomain string // Optional
	Owner        OwnerAccount
}
