// Package provision builds tenant databases: it creates the database,
// applies the forum schema statement by statement and seeds the owner
// account.
//
// Provisioning is best effort and safe to repeat. Statements whose effect is
// already present are skipped, other statement failures are recorded in the
// Report and the run continues. Only an unreadable schema, or a database
// that cannot be created or reached, fails the run.
package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/metrics"
	"github.com/DukeRupert/agora/internal/pool"
)

// MinTables is the fewest tables a provisioned database may hold.
const MinTables = 8

// DefaultMaintenanceDB is the database administrative connections use to
// create tenant databases.
const DefaultMaintenanceDB = "postgres"

const (
	databaseExistsQuery = `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`

	ownerExistsQuery = `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1 OR email = $2)`

	insertOwnerQuery = `INSERT INTO users (username, email, password_hash, display_name, role, is_verified)
VALUES ($1, $2, $3, $1, 'admin', TRUE)`

	verifyQuery = `SELECT
    EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'users'),
    (SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE')`
)

// Connector opens an administrative connection.
type Connector func(ctx context.Context, dsn string) (*sql.DB, error)

// PQConnector opens and pings a lib/pq connection.
func PQConnector(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Config configures a Provisioner.
type Config struct {
	// Admin holds credentials allowed to create databases. Admin.Database
	// is the maintenance database, DefaultMaintenanceDB when empty.
	Admin pool.Target

	// Source defaults to the embedded schema.
	Source SchemaSource

	// Connect defaults to PQConnector.
	Connect Connector
}

// Provisioner builds tenant databases.
type Provisioner struct {
	admin   pool.Target
	source  SchemaSource
	connect Connector
	logger  *slog.Logger
}

// New creates a Provisioner. Nothing is connected until Provision or
// VerifyInstallation runs.
func New(cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.Admin.Database == "" {
		cfg.Admin.Database = DefaultMaintenanceDB
	}
	if cfg.Source == nil {
		cfg.Source = EmbeddedSchema{}
	}
	if cfg.Connect == nil {
		cfg.Connect = PQConnector
	}
	return &Provisioner{
		admin:   cfg.Admin,
		source:  cfg.Source,
		connect: cfg.Connect,
		logger:  logger,
	}
}

// Params names the database to build and the owner to seed. An empty Host
// means the admin host. An owner with an empty username is not seeded.
type Params struct {
	Host   string
	DBName string
	Owner  domain.OwnerAccount
}

// StatementError is a schema statement that failed for a reason other than
// its effect already being present.
type StatementError struct {
	Statement string
	Err       error
}

// Report summarizes one provisioning run.
type Report struct {
	Database     string
	Applied      int
	Skipped      int
	Failed       []StatementError
	OwnerCreated bool
	Duration     time.Duration
}

// OK reports whether every statement was applied or skipped.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// server returns the admin target on host, still pointing at the
// maintenance database.
func (p *Provisioner) server(host string) pool.Target {
	t := p.admin
	if host != "" {
		t.Host = host
	}
	return t
}

func (p *Provisioner) target(host, dbName string) pool.Target {
	t := p.server(host)
	t.Database = dbName
	return t
}

// Provision creates dbName if needed, applies the schema and seeds the
// owner. It returns an error only when the schema cannot be read or the
// database cannot be created or reached.
func (p *Provisioner) Provision(ctx context.Context, params Params) (*Report, error) {
	const op = "provision.run"

	if params.DBName == "" {
		return nil, domain.Invalid(op, "Database name is required")
	}

	start := time.Now()
	defer func() {
		metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
	}()

	script, err := p.source.Load(ctx)
	if err != nil {
		return nil, domain.Provisioning(err, op, "Tenant schema could not be read")
	}
	stmts := SplitStatements(script)
	if len(stmts) == 0 {
		return nil, domain.Provisioning(errors.New("no statements"), op, "Tenant schema is empty")
	}

	if err := p.ensureDatabase(ctx, params.Host, params.DBName); err != nil {
		return nil, domain.Provisioning(err, op, "Tenant database could not be created")
	}

	db, err := p.connect(ctx, p.target(params.Host, params.DBName).DSN())
	if err != nil {
		return nil, domain.Provisioning(err, op, "Tenant database is unreachable")
	}
	defer db.Close()

	report := &Report{Database: params.DBName}
	host := p.server(params.Host).Host
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		switch {
		case err == nil:
			report.Applied++
			metrics.ProvisionStatements.WithLabelValues("applied").Inc()
		case alreadyApplied(err):
			report.Skipped++
			metrics.ProvisionStatements.WithLabelValues("skipped").Inc()
			p.logger.Debug("schema statement already applied", "database", params.DBName, "statement", summarize(stmt))
		default:
			report.Failed = append(report.Failed, StatementError{Statement: stmt, Err: err})
			metrics.ProvisionStatements.WithLabelValues("failed").Inc()
			p.logger.Warn("schema statement failed",
				"database", params.DBName,
				"statement", summarize(stmt),
				"error", err,
			)
		}
	}

	if params.Owner.Username != "" {
		created, err := p.createOwner(ctx, db, params.Owner)
		if err != nil {
			report.Failed = append(report.Failed, StatementError{Statement: "insert owner account", Err: err})
			p.logger.Warn("owner account not created", "database", params.DBName, "username", params.Owner.Username, "error", err)
		}
		report.OwnerCreated = created
	}

	report.Duration = time.Since(start)
	p.logger.Info("tenant database provisioned",
		"database", params.DBName,
		"host", host,
		"source", p.source.String(),
		"applied", report.Applied,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
		"owner_created", report.OwnerCreated,
		"duration_ms", report.Duration.Milliseconds(),
	)

	return report, nil
}

// ensureDatabase creates dbName through the maintenance database on host
// when it does not exist yet.
func (p *Provisioner) ensureDatabase(ctx context.Context, host, dbName string) error {
	server := p.server(host)
	admin, err := p.connect(ctx, server.DSN())
	if err != nil {
		return fmt.Errorf("connect to %s on %s: %w", server.Database, server.Host, err)
	}
	defer admin.Close()

	var exists bool
	if err := admin.QueryRowContext(ctx, databaseExistsQuery, dbName).Scan(&exists); err != nil {
		return fmt.Errorf("check database %s: %w", dbName, err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE takes no bind parameters
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
		if sqlState(err) == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %s: %w", dbName, err)
	}

	p.logger.Info("created tenant database", "database", dbName, "host", server.Host)
	return nil
}

// createOwner inserts the owner unless a user with the same username or
// email exists.
func (p *Provisioner) createOwner(ctx context.Context, db *sql.DB, owner domain.OwnerAccount) (bool, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, ownerExistsQuery, owner.Username, owner.Email).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := db.ExecContext(ctx, insertOwnerQuery, owner.Username, owner.Email, owner.PasswordHash); err != nil {
		if alreadyApplied(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// VerifyInstallation reports whether dbName on host looks provisioned: it
// has a users table and at least MinTables tables. An empty host means the
// admin host. It does not prove every statement succeeded.
func (p *Provisioner) VerifyInstallation(ctx context.Context, host, dbName string) bool {
	db, err := p.connect(ctx, p.target(host, dbName).DSN())
	if err != nil {
		p.logger.Warn("verify: tenant database unreachable", "database", dbName, "error", err)
		return false
	}
	defer db.Close()

	var (
		hasUsers bool
		tables   int
	)
	if err := db.QueryRowContext(ctx, verifyQuery).Scan(&hasUsers, &tables); err != nil {
		p.logger.Warn("verify: table check failed", "database", dbName, "error", err)
		return false
	}

	ok := hasUsers && tables >= MinTables
	p.logger.Debug("verified tenant database", "database", dbName, "has_users", hasUsers, "tables", tables, "ok", ok)
	return ok
}

// summarize shortens a statement to its first line for logs.
func summarize(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return line
}
