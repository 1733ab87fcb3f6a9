// Package domain contains core business types and interfaces.
//
// This file defines subscription plans and the resource ceilings they impose
// on a tenant.
package domain

// ResourceType identifies a plan-limited resource.
type ResourceType string

const (
	ResourceUsers       ResourceType = "users"
	ResourceCommunities ResourceType = "communities"
	ResourceStorage     ResourceType = "storage"
)

// Valid returns true if r is a known resource type.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceUsers, ResourceCommunities, ResourceStorage:
		return true
	}
	return false
}

// SubscriptionPlan is immutable reference data describing what a tenant may
// use. A nil ceiling means unlimited.
type SubscriptionPlan struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Slug                string `json:"slug"`
	PriceMonthlyCents   int64  `json:"price_monthly_cents"`
	PriceYearlyCents    int64  `json:"price_yearly_cents"`
	MaxUsers            *int   `json:"max_users"`
	MaxCommunities      *int   `json:"max_communities"`
	MaxStorageGB        *int   `json:"max_storage_gb"`
	CustomDomainAllowed bool   `json:"custom_domain_allowed"`
	APIAccess           bool   `json:"api_access"`
	PrioritySupport     bool   `json:"priority_support"`
}

// Ceiling returns the plan's limit for a resource, or nil when unlimited.
func (p *SubscriptionPlan) Ceiling(resource ResourceType) *int {
	if p == nil {
		return nil
	}
	switch resource {
	case ResourceUsers:
		return p.MaxUsers
	case ResourceCommunities:
		return p.MaxCommunities
	case ResourceStorage:
		return p.MaxStorageGB
	}
	return nil
}

// LimitCheck is the outcome of comparing current usage against a ceiling.
type LimitCheck struct {
	Resource  ResourceType
	CanCreate bool
	Current   int
	Max       *int // nil when unlimited
}

// Unlimited returns true if no ceiling applies.
func (c LimitCheck) Unlimited() bool {
	return c.Max == nil
}

// CheckLimit compares current usage against the plan's ceiling. Reaching the
// ceiling exactly blocks the next creation.
func (p *SubscriptionPlan) CheckLimit(resource ResourceType, current int) LimitCheck {
	max := p.Ceiling(resource)
	if max == nil {
		return LimitCheck{Resource: resource, CanCreate: true, Current: current}
	}
	limit := *max
	return LimitCheck{
		Resource:  resource,
		CanCreate: current < limit,
		Current:   current,
		Max:       &limit,
	}
}
