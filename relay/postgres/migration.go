package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationConfig selects the database and the migration source. Source takes
// precedence over MigrationsPath when both are set.
type MigrationConfig struct {
	PrimaryDSN           string
	DatabaseName         string
	MigrationsPath       string
	Source               fs.FS
	SourcePath           string
	AllowMultiStatements bool
	Logger               log.Logger
}

// Migrator applies pending migrations to the primary database.
type Migrator struct {
	cfg MigrationConfig
}

var runMigrationsFn = runMigrations

// NewMigrator validates cfg and returns a Migrator.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, fmt.Errorf("%w: primary dsn is required", ErrInvalidConfig)
	}

	if err := validateDBName(cfg.DatabaseName); err != nil {
		return nil, err
	}

	if cfg.Source == nil && strings.TrimSpace(cfg.MigrationsPath) == "" {
		return nil, fmt.Errorf("%w: migrations path or source is required", ErrInvalidConfig)
	}

	if cfg.Source != nil && strings.TrimSpace(cfg.SourcePath) == "" {
		cfg.SourcePath = "."
	}

	if cfg.Source == nil {
		path, err := sanitizePath(cfg.MigrationsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		cfg.MigrationsPath = path
	}

	return &Migrator{cfg: cfg}, nil
}

// Up opens a dedicated connection, applies every pending migration and closes
// the connection again.
func (m *Migrator) Up(ctx context.Context) error {
	if m == nil {
		return errors.New("migrator is nil")
	}

	if ctx == nil {
		return ErrNilContext
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration cancelled: %w", err)
	}

	warnInsecureDSN(ctx, m.cfg.Logger, m.cfg.PrimaryDSN, "migration")

	db, err := dbOpenFn(driverName, m.cfg.PrimaryDSN)
	if err != nil {
		return newSanitizedError(err, "failed to open migration database")
	}

	defer func() {
		if closeErr := closeDB(db); closeErr != nil {
			m.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close migration database", log.String("error", sanitizeSensitiveString(closeErr.Error())))
		}
	}()

	return runMigrationsFn(ctx, db, m.cfg, m.cfg.Logger)
}

func runMigrations(ctx context.Context, db *sql.DB, cfg MigrationConfig, logger log.Logger) error {
	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		MultiStatementEnabled: cfg.AllowMultiStatements,
		DatabaseName:          cfg.DatabaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return newSanitizedError(err, "failed to create postgres driver instance")
	}

	var instance *migrate.Migrate

	if cfg.Source != nil {
		source, srcErr := iofs.New(cfg.Source, cfg.SourcePath)
		if srcErr != nil {
			return fmt.Errorf("failed to open embedded migrations: %w", srcErr)
		}

		instance, err = migrate.NewWithInstance("iofs", source, cfg.DatabaseName, driver)
	} else {
		sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(cfg.MigrationsPath)}
		instance, err = migrate.NewWithDatabaseInstance(sourceURL.String(), cfg.DatabaseName, driver)
	}

	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		select {
		case instance.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	return classifyMigrationError(ctx, logger, instance.Up())
}

func classifyMigrationError(ctx context.Context, logger log.Logger, err error) error {
	if err == nil {
		logger.Log(ctx, log.LevelInfo, "migrations applied")

		return nil
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Log(ctx, log.LevelInfo, "no new migrations found")

		return nil
	}

	if errors.Is(err, os.ErrNotExist) {
		logger.Log(ctx, log.LevelWarn, "no migration files found, skipping")

		return nil
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		logger.Log(ctx, log.LevelError, "migration left a dirty version", log.Int("version", dirtyErr.Version))

		return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
	}

	logger.Log(ctx, log.LevelError, "migration failed", log.String("error", sanitizeSensitiveString(err.Error())))

	return fmt.Errorf("migration failed: %s", sanitizeSensitiveString(err.Error()))
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}
