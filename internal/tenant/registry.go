// Package tenant provides the tenant catalog and host-based tenant
// resolution.
//
// The Registry reads and writes tenant, plan, subscription and admin rows in
// the main database. Tenant creation is a sequence of independent steps with
// no transaction across them: insert the tenant, provision its database,
// record the trial subscription, register the owner as admin. A failure
// after the tenant row is inserted leaves that row in place; Reprovision
// reruns the database step.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/agora/internal/cache"
	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/metrics"
	"github.com/DukeRupert/agora/internal/pool"
	"github.com/DukeRupert/agora/internal/provision"
)

// Cache lifetimes for registry lookups. Tenant rows change status through
// billing flows, so they stay in the local tier only. Plans are reference
// data and go to the remote tier as well.
const (
	TenantCacheTTL = 30 * time.Second
	PlanCacheTTL   = 10 * time.Minute
)

const tenantColumns = `id, slug, name, custom_domain, owner_id, plan_id, status, trial_ends_at,
    db_name, db_host, settings, metadata, created_at, updated_at`

const planColumns = `id, name, slug, price_monthly_cents, price_yearly_cents, max_users,
    max_communities, max_storage_gb, custom_domain_allowed, api_access, priority_support`

const (
	findBySlugQuery = `SELECT ` + tenantColumns + `
FROM tenants
WHERE slug = $1 AND status IN ('trial', 'active')`

	findBySlugAnyStatusQuery = `SELECT ` + tenantColumns + `
FROM tenants
WHERE slug = $1`

	findByDomainQuery = `SELECT ` + tenantColumns + `
FROM tenants
WHERE LOWER(custom_domain) = $1 AND status IN ('trial', 'active')`

	slugExistsQuery = `SELECT EXISTS (SELECT 1 FROM tenants WHERE slug = $1)`

	domainClaimedQuery = `SELECT EXISTS (
    SELECT 1 FROM tenants
    WHERE LOWER(custom_domain) = $1 AND status IN ('trial', 'active')
)`

	insertTenantQuery = `INSERT INTO tenants (slug, name, custom_domain, owner_id, plan_id, status, trial_ends_at, db_name)
VALUES ($1, $2, $3, $4, $5, 'trial', $6, $7)
RETURNING ` + tenantColumns

	insertSubscriptionQuery = `INSERT INTO tenant_subscriptions
    (tenant_id, plan_id, status, trial_ends_at, current_period_start, current_period_end)
VALUES ($1, $2, 'trialing', $3, $4, $3)`

	insertOwnerAdminQuery = `INSERT INTO tenant_admins (tenant_id, user_id, role)
VALUES ($1, $2, 'owner')`

	getPlanQuery = `SELECT ` + planColumns + `
FROM subscription_plans
WHERE id = $1`

	listPlansQuery = `SELECT ` + planColumns + `
FROM subscription_plans
ORDER BY price_monthly_cents, id`
)

// MainDB hands out the main database pool. *pool.Router satisfies it.
type MainDB interface {
	Main(ctx context.Context) (*pool.Pool, error)
}

// Provisioner builds a tenant database. *provision.Provisioner satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, params provision.Params) (*provision.Report, error)
}

// Registry is the catalog of tenants and subscription plans.
type Registry struct {
	db          MainDB
	provisioner Provisioner
	cache       *cache.Cache
	logger      *slog.Logger
	now         func() time.Time
}

// NewRegistry creates a Registry. The cache may be nil, in which case every
// lookup goes to the database.
func NewRegistry(db MainDB, provisioner Provisioner, c *cache.Cache, logger *slog.Logger) *Registry {
	return &Registry{
		db:          db,
		provisioner: provisioner,
		cache:       c,
		logger:      logger,
		now:         time.Now,
	}
}

// =============================================================================
// Tenant Lookups
// =============================================================================

// FindBySlug returns the servable tenant with the given slug, or nil when
// there is none. The slug is normalized first, so lookups are
// case-insensitive.
func (r *Registry) FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	const op = "tenant.find_by_slug"

	slug = domain.NormalizeSlug(slug)
	if slug == "" {
		return nil, nil
	}
	return r.findTenant(ctx, op, slugCacheKey(slug), findBySlugQuery, slug)
}

// FindByCustomDomain returns the servable tenant that claims domain, or nil
// when there is none. Domains compare case-insensitively.
func (r *Registry) FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	const op = "tenant.find_by_domain"

	host = normalizeDomain(host)
	if host == "" {
		return nil, nil
	}
	return r.findTenant(ctx, op, domainCacheKey(host), findByDomainQuery, host)
}

// FindBySlugAnyStatus returns the tenant with the given slug whatever its
// status. It bypasses the cache and is meant for operator tooling.
func (r *Registry) FindBySlugAnyStatus(ctx context.Context, slug string) (*domain.Tenant, error) {
	const op = "tenant.find_by_slug_any_status"

	slug = domain.NormalizeSlug(slug)
	if slug == "" {
		return nil, nil
	}
	return r.findTenant(ctx, op, "", findBySlugAnyStatusQuery, slug)
}

// findTenant runs a single-row tenant query. A non-empty cacheKey enables
// the read-through cache. Misses are not cached.
func (r *Registry) findTenant(ctx context.Context, op, cacheKey, query, arg string) (*domain.Tenant, error) {
	if cacheKey != "" {
		if t := r.cachedTenant(ctx, cacheKey); t != nil {
			return t, nil
		}
	}

	db, err := r.db.Main(ctx)
	if err != nil {
		return nil, err
	}

	t, err := scanTenant(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load tenant")
	}

	if cacheKey != "" {
		r.store(ctx, cacheKey, t, TenantCacheTTL)
	}
	return t, nil
}

// =============================================================================
// Tenant Creation
// =============================================================================

// CreateTenant registers a tenant and builds its database.
//
// Flow:
//  1. Validate the name, slug, owner and plan
//  2. Reject a taken slug (ErrSlugTaken) or a claimed domain (ErrDomainTaken)
//  3. Insert the tenant with status trial and a fresh database name
//  4. Provision the tenant database and seed the owner account
//  5. Record the trial subscription
//  6. Register the owner as the tenant's admin
//
// Steps are not compensated. If step 4 or later fails, the tenant row stays
// and the error is returned; Reprovision can finish the database.
func (r *Registry) CreateTenant(ctx context.Context, params domain.CreateTenantParams) (*domain.Tenant, error) {
	const op = "tenant.create"

	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, domain.Invalid(op, "Forum name is required")
	}
	if len(name) > 100 {
		return nil, domain.Invalid(op, "Forum name must be 100 characters or less")
	}

	slug := domain.NormalizeSlug(params.Slug)
	if slug == "" {
		slug = domain.SlugFromName(name)
	}
	if err := domain.ValidateSlug(op, slug); err != nil {
		return nil, err
	}

	if params.OwnerID <= 0 {
		return nil, domain.Invalid(op, "Owner is required")
	}

	plan, err := r.GetPlan(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.NotFound(op, "plan", strconv.FormatInt(params.PlanID, 10))
	}

	customDomain := normalizeDomain(params.CustomDomain)
	if customDomain != "" && !plan.CustomDomainAllowed {
		return nil, domain.Invalid(op, "Your plan does not include custom domains")
	}

	db, err := r.db.Main(ctx)
	if err != nil {
		return nil, err
	}

	var taken bool
	if err := db.QueryRowContext(ctx, slugExistsQuery, slug).Scan(&taken); err != nil {
		return nil, domain.Internal(err, op, "failed to check slug")
	}
	if taken {
		return nil, domain.Conflict(op, domain.ErrSlugTaken)
	}

	if customDomain != "" {
		if err := db.QueryRowContext(ctx, domainClaimedQuery, customDomain).Scan(&taken); err != nil {
			return nil, domain.Internal(err, op, "failed to check custom domain")
		}
		if taken {
			return nil, domain.Conflict(op, domain.ErrDomainTaken)
		}
	}

	now := r.now()
	trialEnds := now.Add(domain.TrialPeriod)
	dbName := domain.DatabaseName(slug, now.Unix())

	t, err := scanTenant(db.QueryRowContext(ctx, insertTenantQuery,
		slug,
		name,
		sql.NullString{String: customDomain, Valid: customDomain != ""},
		params.OwnerID,
		plan.ID,
		trialEnds,
		dbName,
	))
	if err != nil {
		// Lost a race with a concurrent registration
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "custom_domain") {
				return nil, domain.Conflict(op, domain.ErrDomainTaken)
			}
			return nil, domain.Conflict(op, domain.ErrSlugTaken)
		}
		return nil, domain.Internal(err, op, "failed to create tenant")
	}
	metrics.TenantsCreated.Inc()

	report, err := r.provisioner.Provision(ctx, provision.Params{Host: t.HostOr(""), DBName: t.DBName, Owner: params.Owner})
	if err != nil {
		r.logger.Error("tenant registered but not provisioned",
			"tenant", t.Slug,
			"db_name", t.DBName,
			"error", err,
		)
		return nil, err
	}
	if !report.OK() {
		r.logger.Warn("tenant provisioned with failures",
			"tenant", t.Slug,
			"db_name", t.DBName,
			"failed", len(report.Failed),
		)
	}

	if _, err := db.ExecContext(ctx, insertSubscriptionQuery, t.ID, plan.ID, trialEnds, now); err != nil {
		r.logger.Error("tenant subscription not recorded", "tenant", t.Slug, "error", err)
		return nil, domain.Internal(err, op, "failed to create subscription")
	}

	if _, err := db.ExecContext(ctx, insertOwnerAdminQuery, t.ID, params.OwnerID); err != nil {
		r.logger.Error("tenant owner not registered", "tenant", t.Slug, "owner_id", params.OwnerID, "error", err)
		return nil, domain.Internal(err, op, "failed to register tenant owner")
	}

	r.logger.Info("tenant created",
		"tenant", t.Slug,
		"tenant_id", t.ID,
		"db_name", t.DBName,
		"plan", plan.Slug,
		"owner_id", params.OwnerID,
	)

	return t, nil
}

// Reprovision reruns provisioning for an existing tenant of any status, on
// the tenant's own database host when it has one. Statements already applied are skipped, so it is safe to repeat. No owner
// account is seeded.
func (r *Registry) Reprovision(ctx context.Context, slug string) (*provision.Report, error) {
	const op = "tenant.reprovision"

	t, err := r.FindBySlugAnyStatus(ctx, slug)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.NotFound(op, "tenant", slug)
	}

	return r.provisioner.Provision(ctx, provision.Params{Host: t.HostOr(""), DBName: t.DBName})
}

// =============================================================================
// Plans
// =============================================================================

// GetPlan returns the plan with the given id, or nil when there is none.
func (r *Registry) GetPlan(ctx context.Context, id int64) (*domain.SubscriptionPlan, error) {
	const op = "tenant.get_plan"

	if id <= 0 {
		return nil, nil
	}

	key := planCacheKey(id)
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			var p domain.SubscriptionPlan
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return &p, nil
			}
		}
	}

	db, err := r.db.Main(ctx)
	if err != nil {
		return nil, err
	}

	p, err := scanPlan(db.QueryRowContext(ctx, getPlanQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load plan")
	}

	r.store(ctx, key, p, PlanCacheTTL)
	return p, nil
}

// ListPlans returns every plan, cheapest first.
func (r *Registry) ListPlans(ctx context.Context) ([]domain.SubscriptionPlan, error) {
	const op = "tenant.list_plans"

	db, err := r.db.Main(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, listPlansQuery)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list plans")
	}
	defer rows.Close()

	var plans []domain.SubscriptionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan plan")
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to list plans")
	}
	return plans, nil
}

// CheckLimit compares current usage of a resource against the ceiling of
// the tenant's plan. A tenant whose plan no longer exists is unlimited.
func (r *Registry) CheckLimit(ctx context.Context, t *domain.Tenant, resource domain.ResourceType, current int) (domain.LimitCheck, error) {
	const op = "tenant.check_limit"

	if !resource.Valid() {
		return domain.LimitCheck{}, domain.Invalid(op, "Unknown resource type")
	}
	if current < 0 {
		return domain.LimitCheck{}, domain.Invalid(op, "Current count cannot be negative")
	}
	if t == nil {
		return domain.LimitCheck{}, domain.Invalid(op, "Tenant is required")
	}

	plan, err := r.GetPlan(ctx, t.PlanID)
	if err != nil {
		return domain.LimitCheck{}, err
	}
	return plan.CheckLimit(resource, current), nil
}

// =============================================================================
// Helpers
// =============================================================================

func (r *Registry) cachedTenant(ctx context.Context, key string) *domain.Tenant {
	if r.cache == nil {
		return nil
	}
	raw, ok := r.cache.Get(ctx, key)
	if !ok {
		return nil
	}
	var t domain.Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		r.logger.Debug("discarding unreadable cached tenant", "key", key, "error", err)
		return nil
	}
	return &t
}

func (r *Registry) store(ctx context.Context, key string, v any, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.cache.Set(ctx, key, string(raw), ttl)
}

func slugCacheKey(slug string) string   { return "tenant:slug:" + slug }
func domainCacheKey(host string) string { return "tenant:domain:" + host }
func planCacheKey(id int64) string      { return "plan:" + strconv.FormatInt(id, 10) }

// normalizeDomain lowercases a host name and drops a trailing dot.
func normalizeDomain(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var (
		t            domain.Tenant
		status       string
		customDomain sql.NullString
		dbHost       sql.NullString
		trialEndsAt  sql.NullTime
		settings     pqtype.NullRawMessage
		metadata     pqtype.NullRawMessage
	)
	err := row.Scan(
		&t.ID,
		&t.Slug,
		&t.Name,
		&customDomain,
		&t.OwnerID,
		&t.PlanID,
		&status,
		&trialEndsAt,
		&t.DBName,
		&dbHost,
		&settings,
		&metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TenantStatus(status)
	if customDomain.Valid {
		t.CustomDomain = &customDomain.String
	}
	if dbHost.Valid {
		t.DBHost = &dbHost.String
	}
	if trialEndsAt.Valid {
		t.TrialEndsAt = &trialEndsAt.Time
	}
	if settings.Valid {
		t.Settings = settings.RawMessage
	}
	if metadata.Valid {
		t.Metadata = metadata.RawMessage
	}
	return &t, nil
}

func scanPlan(row rowScanner) (*domain.SubscriptionPlan, error) {
	var (
		p              domain.SubscriptionPlan
		maxUsers       sql.NullInt32
		maxCommunities sql.NullInt32
		maxStorageGB   sql.NullInt32
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Slug,
		&p.PriceMonthlyCents,
		&p.PriceYearlyCents,
		&maxUsers,
		&maxCommunities,
		&maxStorageGB,
		&p.CustomDomainAllowed,
		&p.APIAccess,
		&p.PrioritySupport,
	)
	if err != nil {
		return nil, err
	}

	p.MaxUsers = nullableInt(maxUsers)
	p.MaxCommunities = nullableInt(maxCommunities)
	p.MaxStorageGB = nullableInt(maxStorageGB)
	return &p, nil
}

func nullableInt(n sql.NullInt32) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int32)
	return &v
}
