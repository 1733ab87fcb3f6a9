package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/DukeRupert/agora/internal"
	"github.com/DukeRupert/agora/internal/cache"
	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/pool"
	"github.com/DukeRupert/agora/internal/provision"
	"github.com/DukeRupert/agora/internal/storage"
	"github.com/DukeRupert/agora/internal/tenant"
)

// =============================================================================
// Environment
// =============================================================================

// env holds the services a command runs against. Nothing connects until a
// command issues its first query.
type env struct {
	logger      *slog.Logger
	router      *pool.Router
	provisioner *provision.Provisioner
	registry    *tenant.Registry
}

func newEnv() (*env, error) {
	cfg, err := internal.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}

	// Command output goes to stdout; logs stay on stderr
	logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)

	router := pool.NewRouter(pool.Config{Main: cfg.MainTarget()}, pool.PgxOpener(cfg.PoolConfig()), logger)

	var source provision.SchemaSource = provision.EmbeddedSchema{}
	switch {
	case cfg.TenantSchemaPath != "":
		source = provision.FileSchema(cfg.TenantSchemaPath)
	case cfg.TenantSchemaKey != "":
		store, err := storage.New(cfg.StorageConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("storage initialization failed: %w", err)
		}
		source = provision.ObjectSchema{Store: store, Key: cfg.TenantSchemaKey}
	}

	admin := cfg.MainTarget()
	admin.Database = ""
	provisioner := provision.New(provision.Config{Admin: admin, Source: source}, logger)

	// Local tier only: a one-shot command gains nothing from the remote
	// cache and must not fill it
	c := cache.NewWithRemote(nil, 0, logger)

	return &env{
		logger:      logger,
		router:      router,
		provisioner: provisioner,
		registry:    tenant.NewRegistry(router, provisioner, c, logger),
	}, nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.router.Shutdown(ctx); err != nil {
		e.logger.Warn("pool shutdown failed", "error", err)
	}
}

// withEnv adapts a command body that needs the environment to a cli action.
func withEnv(fn func(ctx context.Context, cmd *cli.Command, e *env) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, cmd, e)
	}
}

// slugArg returns the single positional slug argument.
func slugArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("%s: expected exactly one tenant slug", cmd.FullName())
	}
	return domain.NormalizeSlug(cmd.Args().First()), nil
}

// =============================================================================
// migrate
// =============================================================================

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending main database migrations",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			db, err := e.router.Main(ctx)
			if err != nil {
				return err
			}
			if err := internal.RunMigrations(ctx, db.DB, e.logger); err != nil {
				return err
			}
			version, err := internal.MigrationVersion(ctx, db.DB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "main database at version %d\n", version)
			return nil
		}),
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Print the main database schema version",
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					db, err := e.router.Main(ctx)
					if err != nil {
						return err
					}
					version, err := internal.MigrationVersion(ctx, db.DB)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "main database at version %d\n", version)
					return nil
				}),
			},
		},
	}
}

// =============================================================================
// tenant
// =============================================================================

func tenantCmd() *cli.Command {
	return &cli.Command{
		Name:  "tenant",
		Usage: "Register, repair and inspect tenants",
		Commands: []*cli.Command{
			tenantCreateCmd(),
			tenantProvisionCmd(),
			tenantVerifyCmd(),
		},
	}
}

func tenantCreateCmd() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Register a tenant and provision its database",
		Description: `Registers a tenant on behalf of an existing main-site user, provisions
its database from the configured schema and seeds the owner account.

The owner password is read from --owner-password or AGORA_OWNER_PASSWORD.

Example:
  agoractl tenant create --name "Acme Forum" --owner-id 42 \
    --owner-username wile --owner-email wile@acme.test`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true, Usage: "Forum display name"},
			&cli.StringFlag{Name: "slug", Usage: "Subdomain label, derived from --name when empty"},
			&cli.Int64Flag{Name: "plan", Value: 1, Usage: "Subscription plan id"},
			&cli.StringFlag{Name: "custom-domain", Usage: "Custom domain, if the plan allows one"},
			&cli.Int64Flag{Name: "owner-id", Required: true, Usage: "Main-site user id of the owner"},
			&cli.StringFlag{Name: "owner-username", Required: true},
			&cli.StringFlag{Name: "owner-email", Required: true},
			&cli.StringFlag{
				Name:     "owner-password",
				Required: true,
				Sources:  cli.EnvVars("AGORA_OWNER_PASSWORD"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			owner, err := tenant.NewOwnerAccount(
				cmd.String("owner-username"),
				cmd.String("owner-email"),
				cmd.String("owner-password"),
			)
			if err != nil {
				return err
			}

			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close()

			t, err := e.registry.CreateTenant(ctx, domain.CreateTenantParams{
				Name:         cmd.String("name"),
				Slug:         cmd.String("slug"),
				OwnerID:      cmd.Int64("owner-id"),
				PlanID:       cmd.Int64("plan"),
				CustomDomain: cmd.String("custom-domain"),
				Owner:        owner,
			})
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			fmt.Fprintf(w, "created tenant %s (id %d)\n", t.Slug, t.ID)
			fmt.Fprintf(w, "  database: %s\n", t.DBName)
			fmt.Fprintf(w, "  status:   %s\n", t.Status)
			if t.TrialEndsAt != nil {
				fmt.Fprintf(w, "  trial:    until %s\n", t.TrialEndsAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func tenantProvisionCmd() *cli.Command {
	return &cli.Command{
		Name:      "provision",
		Usage:     "Rerun provisioning for an existing tenant",
		ArgsUsage: "<slug>",
		Description: `Applies the tenant schema again. Statements whose effect is already
present are skipped, so the command finishes a tenant whose first
provisioning failed part way.`,
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			slug, err := slugArg(cmd)
			if err != nil {
				return err
			}

			report, err := e.registry.Reprovision(ctx, slug)
			if err != nil {
				return err
			}

			printReport(cmd.Root().Writer, report)
			if !report.OK() {
				return fmt.Errorf("%d statement(s) failed for %s", len(report.Failed), slug)
			}
			return nil
		}),
	}
}

func tenantVerifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check that a tenant database looks provisioned",
		ArgsUsage: "<slug>",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			slug, err := slugArg(cmd)
			if err != nil {
				return err
			}

			t, err := e.registry.FindBySlugAnyStatus(ctx, slug)
			if err != nil {
				return err
			}
			if t == nil {
				return domain.NotFound("agoractl.verify", "tenant", slug)
			}

			if !e.provisioner.VerifyInstallation(ctx, t.HostOr(""), t.DBName) {
				return fmt.Errorf("tenant %s: database %s is not provisioned", slug, t.DBName)
			}
			fmt.Fprintf(cmd.Root().Writer, "tenant %s: database %s ok\n", slug, t.DBName)
			return nil
		}),
	}
}

// printReport writes a provisioning summary.
func printReport(w io.Writer, r *provision.Report) {
	fmt.Fprintf(w, "database %s: %d applied, %d skipped, %d failed (%s)\n",
		r.Database, r.Applied, r.Skipped, len(r.Failed), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  failed: %s\n    %v\n", firstLine(f.Statement), f.Err)
	}
	if r.OwnerCreated {
		fmt.Fprintln(w, "  owner account created")
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// =============================================================================
// schema
// =============================================================================

func schemaCmd() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Manage the tenant database schema in object storage",
		Commands: []*cli.Command{
			schemaPushCmd(),
		},
	}
}

func schemaPushCmd() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Upload a tenant schema script",
		ArgsUsage: "<file>",
		Description: `Uploads a schema script to the configured storage provider. Servers
with TENANT_SCHEMA_KEY pointing at the key apply it to the next tenant
they provision, without a deploy.

By default the script replaces ` + storage.DefaultSchemaKey + `. With
--revision it is stored under its own key, which is never overwritten
unless --force is given.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "revision", Usage: "Store as a named revision instead of the current schema"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing revision"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("schema push: expected exactly one file")
			}
			path := cmd.Args().First()

			script, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			if len(script) > storage.MaxSchemaSize {
				return fmt.Errorf("schema %s is larger than %d bytes", path, storage.MaxSchemaSize)
			}
			stmts := provision.SplitStatements(string(script))
			if len(stmts) == 0 {
				return fmt.Errorf("schema %s contains no statements", path)
			}

			cfg, err := internal.NewConfig()
			if err != nil {
				return fmt.Errorf("config initialization failed: %w", err)
			}
			logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)

			store, err := storage.New(cfg.StorageConfig(), logger)
			if err != nil {
				return fmt.Errorf("storage initialization failed: %w", err)
			}

			key := storage.DefaultSchemaKey
			overwrite := true
			if rev := cmd.String("revision"); rev != "" {
				key = storage.SchemaKey(rev)
				overwrite = cmd.Bool("force")
			}

			err = store.Put(ctx, key, bytes.NewReader(script), storage.PutOptions{
				ContentType: storage.SQLContentType,
				MaxSize:     storage.MaxSchemaSize,
				Overwrite:   overwrite,
			})
			if storage.IsKeyExists(err) {
				return fmt.Errorf("revision %s already exists, use --force to replace it", key)
			}
			if err != nil {
				return fmt.Errorf("upload schema: %w", err)
			}

			fmt.Fprintf(cmd.Root().Writer, "pushed %s to %s (%d statements)\n", path, key, len(stmts))
			return nil
		},
	}
}
