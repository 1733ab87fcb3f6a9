// Package handler contains HTTP handlers for the Agora application.
//
// This file implements the tenant registration and plan endpoints of the
// main site.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/DukeRupert/agora/internal/auth"
	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/ratelimit"
	"github.com/DukeRupert/agora/internal/tenancy"
	"github.com/DukeRupert/agora/internal/tenant"
)

// maxCreateBody caps the registration request body.
const maxCreateBody = 16 << 10

// TenantService is the part of the tenant registry the handlers use.
// *tenant.Registry satisfies it.
type TenantService interface {
	CreateTenant(ctx context.Context, params domain.CreateTenantParams) (*domain.Tenant, error)
	CheckLimit(ctx context.Context, t *domain.Tenant, resource domain.ResourceType, current int) (domain.LimitCheck, error)
	ListPlans(ctx context.Context) ([]domain.SubscriptionPlan, error)
}

// =============================================================================
// Request / Response Types
// =============================================================================

// CreateTenantRequest is the body of POST /api/tenants.
type CreateTenantRequest struct {
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	PlanID       int64  `json:"plan_id"`
	CustomDomain string `json:"custom_domain"`
	Owner        struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	} `json:"owner"`
}

// TenantResponse is the public view of a tenant. Database placement is
// never exposed.
type TenantResponse struct {
	ID           int64      `json:"id"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	CustomDomain string     `json:"custom_domain,omitempty"`
	Status       string     `json:"status"`
	PlanID       int64      `json:"plan_id"`
	TrialEndsAt  *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// LimitResponse is the body of GET /api/tenant/limits/{resource}.
type LimitResponse struct {
	Resource  string `json:"resource"`
	CanCreate bool   `json:"can_create"`
	Current   int    `json:"current"`
	Max       *int   `json:"max"` // null when unlimited
}

// =============================================================================
// Handler Configuration
// =============================================================================

// TenantHandler handles tenant-related HTTP requests.
type TenantHandler struct {
	tenants    TenantService
	mainDomain string
	logger     *slog.Logger
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(tenants TenantService, mainDomain string, logger *slog.Logger) *TenantHandler {
	return &TenantHandler{
		tenants:    tenants,
		mainDomain: mainDomain,
		logger:     logger,
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterRoutes registers the tenant routes with the provided mux.
//
// Routes:
// - POST /api/tenants                   -> Create (authenticated, register limit)
// - GET  /api/tenant                    -> Current
// - GET  /api/tenant/limits/{resource}  -> Limit
// - GET  /api/plans                     -> Plans
func (h *TenantHandler) RegisterRoutes(
	mux *http.ServeMux,
	requireUser func(http.Handler) http.Handler,
	limit func(ratelimit.Action) func(http.Handler) http.Handler,
) {
	mux.Handle("POST /api/tenants", limit(ratelimit.ActionRegister)(requireUser(http.HandlerFunc(h.Create))))
	mux.Handle("GET /api/tenant", limit(ratelimit.ActionGeneral)(http.HandlerFunc(h.Current)))
	mux.Handle("GET /api/tenant/limits/{resource}", limit(ratelimit.ActionGeneral)(http.HandlerFunc(h.Limit)))
	mux.Handle("GET /api/plans", limit(ratelimit.ActionGeneral)(http.HandlerFunc(h.Plans)))
}

// =============================================================================
// POST /api/tenants - Register Tenant
// =============================================================================

// Create registers a new forum owned by the authenticated user.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	const op = "handler.tenant.create"

	ownerID, ok := auth.GetUserIDFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req CreateTenantRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Request body must be a JSON tenant registration"))
		return
	}

	owner, err := tenant.NewOwnerAccount(req.Owner.Username, req.Owner.Email, req.Owner.Password)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	t, err := h.tenants.CreateTenant(r.Context(), domain.CreateTenantParams{
		Name:         req.Name,
		Slug:         req.Slug,
		OwnerID:      ownerID,
		PlanID:       req.PlanID,
		CustomDomain: req.CustomDomain,
		Owner:        owner,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/tenant")
	writeJSON(w, http.StatusCreated, h.tenantResponse(t))
}

// =============================================================================
// GET /api/tenant - Current Tenant
// =============================================================================

// Current returns the tenant the request host resolved to, or 404 on the
// main site.
func (h *TenantHandler) Current(w http.ResponseWriter, r *http.Request) {
	t := tenancy.Tenant(r.Context())
	if t == nil {
		NotFoundResponse(w, r, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, h.tenantResponse(t))
}

// =============================================================================
// GET /api/tenant/limits/{resource}?current=N - Plan Limit Check
// =============================================================================

// Limit reports whether the current tenant may create one more of a
// resource given its current count.
func (h *TenantHandler) Limit(w http.ResponseWriter, r *http.Request) {
	const op = "handler.tenant.limit"

	t := tenancy.Tenant(r.Context())
	if t == nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	current, err := strconv.Atoi(r.URL.Query().Get("current"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Query parameter current must be an integer"))
		return
	}

	check, err := h.tenants.CheckLimit(r.Context(), t, domain.ResourceType(r.PathValue("resource")), current)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, LimitResponse{
		Resource:  string(check.Resource),
		CanCreate: check.CanCreate,
		Current:   check.Current,
		Max:       check.Max,
	})
}

// =============================================================================
// GET /api/plans - Subscription Plans
// =============================================================================

// Plans lists the subscription plans, cheapest first.
func (h *TenantHandler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.tenants.ListPlans(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if plans == nil {
		plans = []domain.SubscriptionPlan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *TenantHandler) tenantResponse(t *domain.Tenant) TenantResponse {
	url := "https://" + t.Slug + "." + h.mainDomain
	if d := t.Domain(); d != "" {
		url = "https://" + d
	}
	return TenantResponse{
		ID:           t.ID,
		Slug:         t.Slug,
		Name:         t.Name,
		URL:          url,
		CustomDomain: t.Domain(),
		Status:       string(t.Status),
		PlanID:       t.PlanID,
		TrialEndsAt:  t.TrialEndsAt,
		CreatedAt:    t.CreatedAt,
	}
}
