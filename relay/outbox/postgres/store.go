package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	libRelay "github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Migrations holds the golang-migrate files creating the default table.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsPath is the directory inside Migrations holding the files.
const MigrationsPath = "migrations"

// DefaultTableName is the table created by Migrations.
const DefaultTableName = "outbox_messages"

const (
	maxSQLIdentifierLength = 63
	insertColumnCount      = 12
	// Keeps a multi-row insert well below the 65535 bind parameter limit.
	insertChunkSize = 500
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("outbox store not initialized")
	ErrNoPrimaryDB         = errors.New("no primary database configured")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
	insertColumns             = "id, message_type, payload, headers, occurred_at, available_at, status, retry_count, " +
		"correlation_id, causation_id, idempotency_key, version"
	claimReturningColumns = "id, message_type, payload, headers, occurred_at, retry_count, " +
		"correlation_id, causation_id, idempotency_key, version"
)

var _ outbox.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTableName points the store at a schema-qualified or plain table with
// the columns created by Migrations.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store is the PostgreSQL outbox.Store.
type Store struct {
	client             ResolverProvider
	logger             libLog.Logger
	tableName          string
	quotedTable        string
	transactionTimeout time.Duration
}

// NewStore creates a PostgreSQL outbox store. client is usually a
// *postgres.Client; writes always go to its primary.
func NewStore(client ResolverProvider, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		client:             client,
		logger:             libLog.NewNop(),
		tableName:          DefaultTableName,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if nilcheck.Interface(store.logger) {
		store.logger = libLog.NewNop()
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = DefaultTableName
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	store.quotedTable = quoteIdentifierPath(store.tableName)

	return store, nil
}

// Enqueue inserts one Pending row through tx, or through a store-owned
// transaction when tx is nil.
func (store *Store) Enqueue(ctx context.Context, tx outbox.Tx, message *outbox.Message) error {
	return store.EnqueueMany(ctx, tx, []*outbox.Message{message})
}

// EnqueueMany validates every message before inserting any of them. An empty
// slice is a no-op.
func (store *Store) EnqueueMany(ctx context.Context, tx outbox.Tx, messages []*outbox.Message) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if len(messages) == 0 {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer := libRelay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.enqueue", trace.WithAttributes(
		attribute.Int("outbox.message_count", len(messages)),
	))
	defer span.End()

	now := time.Now().UTC()

	for _, message := range messages {
		if err := message.Prepare(now); err != nil {
			libOpentelemetry.HandleSpanError(&span, "invalid outbox message", err)

			return err
		}
	}

	_, err := withTxOrExisting(store, ctx, tx, func(activeTx *sql.Tx) (struct{}, error) {
		for _, chunk := range lo.Chunk(messages, insertChunkSize) {
			query, args := store.insertStatement(chunk)

			if _, execErr := activeTx.ExecContext(ctx, query, args...); execErr != nil {
				return struct{}{}, fmt.Errorf("insert outbox messages: %w", execErr)
			}
		}

		return struct{}{}, nil
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to enqueue outbox messages", err)
		logSanitizedError(store.logger, ctx, "failed to enqueue outbox messages", err)

		return err
	}

	return nil
}

func (store *Store) insertStatement(messages []*outbox.Message) (string, []any) {
	args := make([]any, 0, len(messages)*insertColumnCount)

	rows := lo.Map(messages, func(message *outbox.Message, index int) string {
		args = append(args,
			message.ID,
			message.Type,
			message.Payload,
			nullableString(message.Headers),
			message.OccurredAt,
			message.AvailableAt,
			int(outbox.StatusPending),
			0,
			message.CorrelationID,
			message.CausationID,
			nullableString(message.IdempotencyKey),
			message.Version,
		)

		placeholders := make([]string, insertColumnCount)
		for column := range placeholders {
			placeholders[column] = fmt.Sprintf("$%d", index*insertColumnCount+column+1)
		}

		return "(" + strings.Join(placeholders, ", ") + ")"
	})

	query := "INSERT INTO " + store.quotedTable + " (" + insertColumns + ") VALUES " + strings.Join(rows, ", ")

	return query, args
}

// ClaimBatch selects candidates ordered by available_at then occurred_at and
// claims each one with a conditional update. Rows another dispatcher won in
// between are skipped.
func (store *Store) ClaimBatch(
	ctx context.Context,
	batchSize int,
	lockID string,
	now time.Time,
	lockTimeout time.Duration,
) ([]outbox.PendingMessage, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if err := outbox.ValidateClaim(batchSize, lockID, lockTimeout); err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer := libRelay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.claim_batch", trace.WithAttributes(
		attribute.Int("outbox.batch_size", batchSize),
		attribute.String("outbox.lock_id", lockID),
	))
	defer span.End()

	db, err := resolvePrimaryDB(ctx, store.client)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to resolve primary database", err)

		return nil, err
	}

	now = now.UTC()
	staleBefore := now.Add(-lockTimeout)

	candidates, err := store.selectCandidates(ctx, db, batchSize, now, staleBefore)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to select outbox candidates", err)
		logSanitizedError(store.logger, ctx, "failed to select outbox candidates", err)

		return nil, err
	}

	claimed := make([]outbox.PendingMessage, 0, len(candidates))

	for _, id := range candidates {
		message, ok, claimErr := store.claimOne(ctx, db, id, lockID, now, staleBefore)
		if claimErr != nil {
			logSanitizedError(store.logger, ctx, "failed to claim outbox message", claimErr)

			if len(claimed) > 0 {
				break
			}

			libOpentelemetry.HandleSpanError(&span, "failed to claim outbox message", claimErr)

			return nil, claimErr
		}

		if ok {
			claimed = append(claimed, message)
		}
	}

	span.SetAttributes(attribute.Int("outbox.claimed", len(claimed)))

	return claimed, nil
}

func (store *Store) claimablePredicate(nowArg, staleArg int) string {
	return fmt.Sprintf(
		"available_at <= $%[1]d AND ("+
			"(status IN (%[3]d, %[4]d) AND (lock_id IS NULL OR locked_at IS NULL OR locked_at < $%[2]d)) OR "+
			"(status = %[5]d AND (locked_at IS NULL OR locked_at < $%[2]d)))",
		nowArg, staleArg,
		int(outbox.StatusPending), int(outbox.StatusFailed), int(outbox.StatusProcessing),
	)
}

func (store *Store) selectCandidates(
	ctx context.Context,
	db *sql.DB,
	batchSize int,
	now, staleBefore time.Time,
) ([]uuid.UUID, error) {
	query := "SELECT id FROM " + store.quotedTable +
		" WHERE " + store.claimablePredicate(1, 2) +
		" ORDER BY available_at ASC, occurred_at ASC LIMIT $3"

	rows, err := db.QueryContext(ctx, query, now, staleBefore, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, batchSize)

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan outbox candidate: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox candidates: %w", err)
	}

	return ids, nil
}

func (store *Store) claimOne(
	ctx context.Context,
	db *sql.DB,
	id uuid.UUID,
	lockID string,
	now, staleBefore time.Time,
) (outbox.PendingMessage, bool, error) {
	query := "UPDATE " + store.quotedTable +
		fmt.Sprintf(" SET status = %d, lock_id = $3, locked_at = $1", int(outbox.StatusProcessing)) +
		" WHERE id = $4 AND " + store.claimablePredicate(1, 2) +
		" RETURNING " + claimReturningColumns

	message, err := scanPendingMessage(db.QueryRowContext(ctx, query, now, staleBefore, lockID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.PendingMessage{}, false, nil
	}

	if err != nil {
		return outbox.PendingMessage{}, false, fmt.Errorf("claim outbox message %s: %w", id, err)
	}

	return message, true, nil
}

// MarkSucceeded moves a row held by lockID to Succeeded and clears its lock
// and last error.
func (store *Store) MarkSucceeded(ctx context.Context, id uuid.UUID, lockID string, processedAt time.Time) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if err := validateMark(id, lockID); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer := libRelay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.mark_succeeded")
	defer span.End()

	db, err := resolvePrimaryDB(ctx, store.client)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to resolve primary database", err)

		return err
	}

	query := "UPDATE " + store.quotedTable +
		fmt.Sprintf(" SET status = %d, processed_at = $1, lock_id = NULL, locked_at = NULL, last_error = NULL",
			int(outbox.StatusSucceeded)) +
		fmt.Sprintf(" WHERE id = $2 AND lock_id = $3 AND status = %d", int(outbox.StatusProcessing))

	result, err := db.ExecContext(ctx, query, processedAt.UTC(), id, lockID)
	if err != nil {
		err = fmt.Errorf("mark outbox message succeeded: %w", err)
		libOpentelemetry.HandleSpanError(&span, "failed to mark outbox message succeeded", err)

		return err
	}

	return ensureRowsAffected(result)
}

// MarkFailed records a failed attempt on a row held by lockID: retry_count is
// incremented, the lock is released and the row becomes Failed (claimable at
// nextAvailableAt) or Poison.
func (store *Store) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	lockID, errText string,
	nextAvailableAt time.Time,
	moveToPoison bool,
) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if err := validateMark(id, lockID); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer := libRelay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.mark_failed", trace.WithAttributes(
		attribute.Bool("outbox.poison", moveToPoison),
	))
	defer span.End()

	db, err := resolvePrimaryDB(ctx, store.client)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to resolve primary database", err)

		return err
	}

	status := outbox.StatusFailed
	if moveToPoison {
		status = outbox.StatusPoison
	}

	query := "UPDATE " + store.quotedTable +
		" SET status = $1, retry_count = retry_count + 1, lock_id = NULL, locked_at = NULL," +
		" last_error = $2, available_at = $3" +
		fmt.Sprintf(" WHERE id = $4 AND lock_id = $5 AND status = %d", int(outbox.StatusProcessing))

	result, err := db.ExecContext(ctx, query,
		int(status),
		outbox.StorableErrorText(errText),
		nextAvailableAt.UTC(),
		id,
		lockID,
	)
	if err != nil {
		err = fmt.Errorf("mark outbox message failed: %w", err)
		libOpentelemetry.HandleSpanError(&span, "failed to mark outbox message failed", err)

		return err
	}

	return ensureRowsAffected(result)
}

func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := resolvePrimaryDB(ctx, store.client)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (store *Store) initialized() bool {
	return store != nil && !nilcheck.Interface(store.client) && store.quotedTable != ""
}

func validateMark(id uuid.UUID, lockID string) error {
	if id == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if strings.TrimSpace(lockID) == "" {
		return outbox.ErrInvalidLockID
	}

	return nil
}

func scanPendingMessage(scanner interface{ Scan(dest ...any) error }) (outbox.PendingMessage, error) {
	var (
		message        outbox.PendingMessage
		headers        sql.NullString
		idempotencyKey sql.NullString
	)

	if err := scanner.Scan(
		&message.ID,
		&message.Type,
		&message.Payload,
		&headers,
		&message.OccurredAt,
		&message.RetryCount,
		&message.CorrelationID,
		&message.CausationID,
		&idempotencyKey,
		&message.Version,
	); err != nil {
		return outbox.PendingMessage{}, err
	}

	message.Headers = headers.String
	message.IdempotencyKey = idempotencyKey.String
	message.OccurredAt = message.OccurredAt.UTC()

	return message, nil
}

func nullableString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: value, Valid: true}
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger libLog.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, libLog.LevelError, message, libLog.String("error", outbox.SanitizeErrorMessage(err.Error(), 0)))
}

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return outbox.ErrLockLost
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrLockLost
	}

	return nil
}
