package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	driverName             = "pgx"
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrNilClient           = errors.New("postgres client is nil")
	ErrNilContext          = errors.New("context is nil")
	ErrInvalidConfig       = errors.New("invalid postgres config")
	ErrInvalidDatabaseName = errors.New("invalid database name")
	ErrNotConnected        = errors.New("postgres client is not connected")
	ErrNoPrimaryDB         = errors.New("no primary database configured")
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB, logger log.Logger) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if !nilcheck.Interface(logger) {
					logger.Log(context.Background(), log.LevelError, "dbresolver panicked", log.Any("panic", recovered))
				}

				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes the primary and (optional) replica connections.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (cfg Config) withDefaults() Config {
	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary dsn is required", ErrInvalidConfig)
	}

	if err := validateDSN(cfg.PrimaryDSN); err != nil {
		return err
	}

	return validateDSN(cfg.ReplicaDSN)
}

// Client owns a dbresolver.DB routing writes to the primary and reads to the
// replica. It connects lazily on first use.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	resolver dbresolver.DB
	primary  *sql.DB
	replica  *sql.DB
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools, pings through the resolver and swaps the new
// resolver in. On failure the previous resolver, if any, stays in place.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.PrimaryDSN, "primary")

	c.logAtLevel(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.openPool(c.cfg.PrimaryDSN)
	if err != nil {
		sanitized := newSanitizedError(err, "failed to open primary database")
		c.logAtLevel(ctx, log.LevelError, sanitized.Error())

		return sanitized
	}

	replica, err := c.openPool(c.cfg.ReplicaDSN)
	if err != nil {
		_ = closeDB(primary)

		sanitized := newSanitizedError(err, "failed to open replica database")
		c.logAtLevel(ctx, log.LevelError, sanitized.Error())

		return sanitized
	}

	resolver, err := createResolverFn(primary, replica, c.cfg.Logger)
	if err != nil {
		_ = closeDB(primary)
		_ = closeDB(replica)

		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		sanitized := newSanitizedError(err, "failed to ping database")
		c.logAtLevel(ctx, log.LevelError, sanitized.Error())

		return sanitized
	}

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.logAtLevel(ctx, log.LevelWarn, "failed to close previous resolver", log.String("error", sanitizeSensitiveString(err.Error())))
		}
	}

	c.resolver = resolver
	c.primary = primary
	c.replica = replica

	c.logAtLevel(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) openPool(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the connection resolver, connecting on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver != nil {
		return resolver, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool, connecting on first use. Transactions
// that claim or enqueue outbox rows must run here.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Ping checks connectivity through the resolver.
func (c *Client) Ping(ctx context.Context) error {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		return newSanitizedError(err, "postgres ping failed")
	}

	return nil
}

// IsConnected reports whether a resolver is in place.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil, nil
}

// Close releases every pool. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close resolver: %w", err))
		}
	} else {
		if err := closeDB(c.primary); err != nil {
			errs = append(errs, fmt.Errorf("close primary: %w", err))
		}

		if err := closeDB(c.replica); err != nil {
			errs = append(errs, fmt.Errorf("close replica: %w", err))
		}
	}

	c.resolver = nil
	c.primary = nil
	c.replica = nil

	return errors.Join(errs...)
}

func (c *Client) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if c == nil || nilcheck.Interface(c.cfg.Logger) {
		return
	}

	c.cfg.Logger.Log(ctx, level, msg, fields...)
}

func closeDB(db *sql.DB) error {
	if db == nil {
		return nil
	}

	return db.Close()
}

// SanitizedError carries a connection error with credentials stripped. It
// deliberately does not unwrap to the original error.
type SanitizedError struct {
	Message string
}

func newSanitizedError(err error, prefix string) *SanitizedError {
	if err == nil {
		return nil
	}

	return &SanitizedError{Message: prefix + ": " + sanitizeSensitiveString(err.Error())}
}

func (e *SanitizedError) Error() string {
	return e.Message
}

func (e *SanitizedError) Unwrap() error {
	return nil
}

func sanitizeSensitiveString(value string) string {
	sanitized := connectionStringCredentialsPattern.ReplaceAllString(value, "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}

func validateDSN(dsn string) error {
	trimmed := strings.TrimSpace(dsn)
	if !strings.HasPrefix(trimmed, "postgres://") && !strings.HasPrefix(trimmed, "postgresql://") {
		return nil
	}

	if _, err := url.Parse(trimmed); err != nil {
		return fmt.Errorf("%w: malformed dsn: %s", ErrInvalidConfig, sanitizeSensitiveString(err.Error()))
	}

	return nil
}

func warnInsecureDSN(ctx context.Context, logger log.Logger, dsn, label string) {
	if nilcheck.Interface(logger) {
		return
	}

	if strings.Contains(strings.ToLower(dsn), "sslmode=disable") {
		logger.Log(ctx, log.LevelWarn, "postgres connection has TLS disabled", log.String("connection", label))
	}
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}
