package tenant

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/agora/internal/cache"
	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/pool"
	"github.com/DukeRupert/agora/internal/provision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC) // unix 1700000000

// mainDB serves a single sqlmock-backed pool as the main database.
type mainDB struct {
	pool *pool.Pool
	err  error
}

func (m *mainDB) Main(context.Context) (*pool.Pool, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.pool, nil
}

// fakeProvisioner records what it was asked to build.
type fakeProvisioner struct {
	calls  []provision.Params
	report *provision.Report
	err    error
}

func (f *fakeProvisioner) Provision(_ context.Context, params provision.Params) (*provision.Report, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.report != nil {
		return f.report, nil
	}
	return &provision.Report{Database: params.DBName, Applied: 42, OwnerCreated: true}, nil
}

func newTestRegistry(t *testing.T, c *cache.Cache) (*Registry, sqlmock.Sqlmock, *fakeProvisioner) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	prov := &fakeProvisioner{}
	r := NewRegistry(&mainDB{pool: pool.New(db, "main", nil)}, prov, c, testLogger())
	r.now = func() time.Time { return testNow }
	return r, mock, prov
}

var tenantCols = []string{
	"id", "slug", "name", "custom_domain", "owner_id", "plan_id", "status", "trial_ends_at",
	"db_name", "db_host", "settings", "metadata", "created_at", "updated_at",
}

var planCols = []string{
	"id", "name", "slug", "price_monthly_cents", "price_yearly_cents", "max_users",
	"max_communities", "max_storage_gb", "custom_domain_allowed", "api_access", "priority_support",
}

func acmeRow() *sqlmock.Rows {
	return sqlmock.NewRows(tenantCols).AddRow(
		int64(1), "acme", "Acme Forum", nil, int64(7), int64(1), "trial", testNow.Add(domain.TrialPeriod),
		"forum_acme_1700000000", nil, []byte(`{"theme":"dark"}`), nil, testNow, testNow,
	)
}

func starterPlanRow() *sqlmock.Rows {
	return sqlmock.NewRows(planCols).AddRow(
		int64(1), "Starter", "starter", int64(0), int64(0), int64(100), int64(5), int64(1), false, false, false,
	)
}

func enterprisePlanRow() *sqlmock.Rows {
	return sqlmock.NewRows(planCols).AddRow(
		int64(3), "Enterprise", "enterprise", int64(9900), int64(99000), nil, nil, nil, true, true, true,
	)
}

func acmeParams() domain.CreateTenantParams {
	return domain.CreateTenantParams{
		Name:    "Acme Forum",
		Slug:    "acme",
		OwnerID: 7,
		PlanID:  1,
		Owner:   domain.OwnerAccount{Username: "wile", Email: "wile@acme.test", PasswordHash: "$2a$10$hash"},
	}
}

func expectCreateAcme(mock sqlmock.Sqlmock) {
	trialEnds := testNow.Add(domain.TrialPeriod)

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())
	mock.ExpectQuery(slugExistsQuery).WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(insertTenantQuery).
		WithArgs("acme", "Acme Forum", nil, int64(7), int64(1), trialEnds, "forum_acme_1700000000").
		WillReturnRows(acmeRow())
	mock.ExpectExec(insertSubscriptionQuery).
		WithArgs(int64(1), int64(1), trialEnds, testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertOwnerAdminQuery).
		WithArgs(int64(1), int64(7)).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestCreateTenant_Acme(t *testing.T) {
	r, mock, prov := newTestRegistry(t, nil)
	ctx := context.Background()

	expectCreateAcme(mock)
	mock.ExpectQuery(findBySlugQuery).WithArgs("acme").WillReturnRows(acmeRow())
	mock.ExpectQuery(findBySlugQuery).WithArgs("acme").WillReturnRows(acmeRow())

	created, err := r.CreateTenant(ctx, acmeParams())
	require.NoError(t, err)
	assert.Equal(t, "acme", created.Slug)
	assert.Equal(t, domain.TenantStatusTrial, created.Status)
	assert.True(t, created.IsActive())
	assert.Equal(t, "forum_acme_1700000000", created.DBName)
	require.NotNil(t, created.TrialEndsAt)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *created.TrialEndsAt)

	require.Len(t, prov.calls, 1)
	assert.Equal(t, created.DBName, prov.calls[0].DBName)
	assert.Equal(t, "wile", prov.calls[0].Owner.Username)

	found, err := r.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.JSONEq(t, `{"theme":"dark"}`, string(found.Settings))
	assert.Nil(t, found.Metadata)

	// Slugs are normalized before lookup
	upper, err := r.FindBySlug(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, upper)
	assert.Equal(t, created.ID, upper.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_SlugFromName(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	params := acmeParams()
	params.Slug = ""

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())
	mock.ExpectQuery(slugExistsQuery).WithArgs("acme-forum").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := r.CreateTenant(context.Background(), params)

	assert.True(t, domain.IsSlugTaken(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_SlugTaken(t *testing.T) {
	r, mock, prov := newTestRegistry(t, nil)

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())
	mock.ExpectQuery(slugExistsQuery).WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := r.CreateTenant(context.Background(), acmeParams())

	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.True(t, domain.IsSlugTaken(err))
	assert.False(t, domain.IsDomainTaken(err))
	assert.Empty(t, prov.calls, "nothing is provisioned on conflict")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_DomainTaken(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	params := acmeParams()
	params.PlanID = 3
	params.CustomDomain = "Forum.Acme.Test."

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(3)).WillReturnRows(enterprisePlanRow())
	mock.ExpectQuery(slugExistsQuery).WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(domainClaimedQuery).WithArgs("forum.acme.test").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := r.CreateTenant(context.Background(), params)

	assert.True(t, domain.IsDomainTaken(err))
	assert.False(t, domain.IsSlugTaken(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_InsertRaceIsConflict(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())
	mock.ExpectQuery(slugExistsQuery).WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(insertTenantQuery).
		WillReturnError(&pq.Error{Code: "23505", Message: `duplicate key value violates unique constraint "tenants_slug_key"`})

	_, err := r.CreateTenant(context.Background(), acmeParams())

	assert.True(t, domain.IsSlugTaken(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_CustomDomainRequiresPlan(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	params := acmeParams()
	params.CustomDomain = "forum.acme.test"

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())

	_, err := r.CreateTenant(context.Background(), params)

	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CreateTenantParams)
	}{
		{"empty name", func(p *domain.CreateTenantParams) { p.Name = "  " }},
		{"reserved slug", func(p *domain.CreateTenantParams) { p.Slug = "admin" }},
		{"short slug", func(p *domain.CreateTenantParams) { p.Slug = "ab" }},
		{"bad characters", func(p *domain.CreateTenantParams) { p.Slug = "acme_forum" }},
		{"missing owner", func(p *domain.CreateTenantParams) { p.OwnerID = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mock, _ := newTestRegistry(t, nil)
			params := acmeParams()
			tt.mutate(&params)

			_, err := r.CreateTenant(context.Background(), params)

			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
			assert.NoError(t, mock.ExpectationsWereMet(), "validation runs before any query")
		})
	}
}

func TestCreateTenant_UnknownPlan(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows(planCols))

	_, err := r.CreateTenant(context.Background(), acmeParams())

	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestCreateTenant_ProvisioningFailureLeavesTenant(t *testing.T) {
	r, mock, prov := newTestRegistry(t, nil)
	prov.err = domain.Provisioning(errors.New("no such file"), "provision.run", "Tenant schema could not be read")

	trialEnds := testNow.Add(domain.TrialPeriod)
	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())
	mock.ExpectQuery(slugExistsQuery).WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(insertTenantQuery).
		WithArgs("acme", "Acme Forum", nil, int64(7), int64(1), trialEnds, "forum_acme_1700000000").
		WillReturnRows(acmeRow())

	_, err := r.CreateTenant(context.Background(), acmeParams())

	assert.Equal(t, domain.EPROVISION, domain.ErrorCode(err))
	// No subscription, no admin row and no rollback of the tenant
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenant_MainDatabaseNotConfigured(t *testing.T) {
	r := NewRegistry(&mainDB{err: domain.Configuration("pool.main", "database host is not configured")}, &fakeProvisioner{}, nil, testLogger())

	_, err := r.CreateTenant(context.Background(), acmeParams())

	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
}

func TestReprovision(t *testing.T) {
	r, mock, prov := newTestRegistry(t, nil)

	mock.ExpectQuery(findBySlugAnyStatusQuery).WithArgs("acme").WillReturnRows(acmeRow())
	mock.ExpectQuery(findBySlugAnyStatusQuery).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(tenantCols))

	report, err := r.Reprovision(context.Background(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, "forum_acme_1700000000", report.Database)
	require.Len(t, prov.calls, 1)
	assert.Empty(t, prov.calls[0].Owner.Username, "owner is not reseeded")
	assert.Empty(t, prov.calls[0].Host, "no override means the admin host")

	_, err = r.Reprovision(context.Background(), "ghost")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReprovision_TenantHost(t *testing.T) {
	r, mock, prov := newTestRegistry(t, nil)

	row := sqlmock.NewRows(tenantCols).AddRow(
		int64(2), "globex", "Globex", nil, int64(8), int64(3), "suspended", nil,
		"forum_globex_1700000000", "db2.internal", nil, nil, testNow, testNow,
	)
	mock.ExpectQuery(findBySlugAnyStatusQuery).WithArgs("globex").WillReturnRows(row)

	_, err := r.Reprovision(context.Background(), "globex")

	require.NoError(t, err)
	require.Len(t, prov.calls, 1)
	assert.Equal(t, "db2.internal", prov.calls[0].Host)
	assert.Equal(t, "forum_globex_1700000000", prov.calls[0].DBName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySlug_Absent(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	mock.ExpectQuery(findBySlugQuery).WithArgs("nobody").WillReturnRows(sqlmock.NewRows(tenantCols))

	got, err := r.FindBySlug(context.Background(), "nobody")

	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByCustomDomain(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	row := sqlmock.NewRows(tenantCols).AddRow(
		int64(2), "globex", "Globex", "forum.globex.test", int64(8), int64(3), "active", nil,
		"forum_globex_1700000000", "db2.internal", nil, nil, testNow, testNow,
	)
	mock.ExpectQuery(findByDomainQuery).WithArgs("forum.globex.test").WillReturnRows(row)

	got, err := r.FindByCustomDomain(context.Background(), "FORUM.Globex.test")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "forum.globex.test", got.Domain())
	assert.Equal(t, "db2.internal", got.HostOr("db.internal"))
	assert.Nil(t, got.TrialEndsAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySlug_Cached(t *testing.T) {
	c := cache.NewWithRemote(nil, time.Minute, testLogger())
	r, mock, _ := newTestRegistry(t, c)
	ctx := context.Background()

	mock.ExpectQuery(findBySlugQuery).WithArgs("acme").WillReturnRows(acmeRow())

	first, err := r.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	second, err := r.FindBySlug(ctx, "acme")
	require.NoError(t, err)

	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.DBName, second.DBName)
	assert.NoError(t, mock.ExpectationsWereMet(), "second lookup is served from cache")
}

func TestFindBySlug_QueryError(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	mock.ExpectQuery(findBySlugQuery).WithArgs("acme").WillReturnError(errors.New("connection reset"))

	_, err := r.FindBySlug(context.Background(), "acme")

	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
}

func TestGetPlan(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(3)).WillReturnRows(enterprisePlanRow())
	mock.ExpectQuery(getPlanQuery).WithArgs(int64(99)).WillReturnRows(sqlmock.NewRows(planCols))

	plan, err := r.GetPlan(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "enterprise", plan.Slug)
	assert.Nil(t, plan.MaxUsers)
	assert.True(t, plan.CustomDomainAllowed)

	missing, err := r.GetPlan(ctx, 99)
	assert.NoError(t, err, "an absent plan is not an error")
	assert.Nil(t, missing)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPlans(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	rows := sqlmock.NewRows(planCols).
		AddRow(int64(1), "Starter", "starter", int64(0), int64(0), int64(100), int64(5), int64(1), false, false, false).
		AddRow(int64(3), "Enterprise", "enterprise", int64(9900), int64(99000), nil, nil, nil, true, true, true)
	mock.ExpectQuery(listPlansQuery).WillReturnRows(rows)

	plans, err := r.ListPlans(context.Background())

	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, 5, *plans[0].MaxCommunities)
	assert.Nil(t, plans[1].MaxCommunities)
}

func TestCheckLimit_Communities(t *testing.T) {
	c := cache.NewWithRemote(nil, time.Minute, testLogger())
	r, mock, _ := newTestRegistry(t, c)
	ctx := context.Background()
	acme := &domain.Tenant{ID: 1, Slug: "acme", PlanID: 1}

	// Plan is loaded once and then served from cache
	mock.ExpectQuery(getPlanQuery).WithArgs(int64(1)).WillReturnRows(starterPlanRow())

	atCeiling, err := r.CheckLimit(ctx, acme, domain.ResourceCommunities, 5)
	require.NoError(t, err)
	assert.False(t, atCeiling.CanCreate)
	assert.Equal(t, 5, atCeiling.Current)
	require.NotNil(t, atCeiling.Max)
	assert.Equal(t, 5, *atCeiling.Max)

	below, err := r.CheckLimit(ctx, acme, domain.ResourceCommunities, 4)
	require.NoError(t, err)
	assert.True(t, below.CanCreate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckLimit_Invalid(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	acme := &domain.Tenant{ID: 1, PlanID: 1}

	_, err := r.CheckLimit(context.Background(), acme, domain.ResourceType("widgets"), 1)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = r.CheckLimit(context.Background(), acme, domain.ResourceUsers, -1)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCheckLimit_MissingPlanIsUnlimited(t *testing.T) {
	r, mock, _ := newTestRegistry(t, nil)

	mock.ExpectQuery(getPlanQuery).WithArgs(int64(42)).WillReturnRows(sqlmock.NewRows(planCols))

	check, err := r.CheckLimit(context.Background(), &domain.Tenant{PlanID: 42}, domain.ResourceUsers, 1_000_000)

	require.NoError(t, err)
	assert.True(t, check.CanCreate)
	assert.True(t, check.Unlimited())
}
