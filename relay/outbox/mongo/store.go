package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	libRelay "github.com/LerianStudio/lib-relay/relay"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	libMongo "github.com/LerianStudio/lib-relay/relay/mongo"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCollectionName mirrors the PostgreSQL table name.
const DefaultCollectionName = "outbox_messages"

const insertChunkSize = 500

var (
	ErrClientRequired      = errors.New("mongo client is required")
	ErrStoreNotInitialized = errors.New("outbox store not initialized")
	// ErrTxUnsupported is returned when a SQL transaction is passed to the
	// document store. Put a session context in ctx instead.
	ErrTxUnsupported = errors.New("mongo outbox store does not accept sql transactions")
)

var _ outbox.Store = (*Store)(nil)

// Client is the part of *libMongo.Client the store needs.
type Client interface {
	Database(ctx context.Context) (*mongo.Database, error)
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error
}

var _ Client = (*libMongo.Client)(nil)

type collection interface {
	InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

type Option func(*Store)

func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if !nilcheck.Interface(logger) {
			store.logger = logger
		}
	}
}

func WithCollectionName(name string) Option {
	return func(store *Store) {
		store.collectionName = strings.TrimSpace(name)
	}
}

// Store is the MongoDB outbox.Store.
type Store struct {
	client         Client
	logger         libLog.Logger
	collectionName string
	collection     func(ctx context.Context) (collection, error)
	now            func() time.Time
}

// document is the stored shape of one outbox row. Nil pointers are written
// as BSON null so the claim filter can match on them.
type document struct {
	ID             string     `bson:"_id"`
	Type           string     `bson:"message_type"`
	Payload        string     `bson:"payload"`
	Headers        string     `bson:"headers,omitempty"`
	OccurredAt     time.Time  `bson:"occurred_at"`
	AvailableAt    time.Time  `bson:"available_at"`
	Status         int        `bson:"status"`
	RetryCount     int        `bson:"retry_count"`
	LastError      *string    `bson:"last_error"`
	ProcessedAt    *time.Time `bson:"processed_at"`
	LockID         *string    `bson:"lock_id"`
	LockedAt       *time.Time `bson:"locked_at"`
	CorrelationID  string     `bson:"correlation_id"`
	CausationID    string     `bson:"causation_id"`
	IdempotencyKey string     `bson:"idempotency_key,omitempty"`
	Version        int        `bson:"version"`
}

func newDocument(message *outbox.Message) document {
	return document{
		ID:             message.ID.String(),
		Type:           message.Type,
		Payload:        message.Payload,
		Headers:        strings.TrimSpace(message.Headers),
		OccurredAt:     message.OccurredAt,
		AvailableAt:    message.AvailableAt,
		Status:         int(outbox.StatusPending),
		CorrelationID:  message.CorrelationID,
		CausationID:    message.CausationID,
		IdempotencyKey: strings.TrimSpace(message.IdempotencyKey),
		Version:        message.Version,
	}
}

func (doc document) pending() (outbox.PendingMessage, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return outbox.PendingMessage{}, fmt.Errorf("parse outbox message id %q: %w", doc.ID, err)
	}

	return outbox.PendingMessage{
		ID:             id,
		Type:           doc.Type,
		Payload:        doc.Payload,
		Headers:        doc.Headers,
		OccurredAt:     doc.OccurredAt.UTC(),
		RetryCount:     doc.RetryCount,
		CorrelationID:  doc.CorrelationID,
		CausationID:    doc.CausationID,
		IdempotencyKey: doc.IdempotencyKey,
		Version:        doc.Version,
	}, nil
}

// NewStore creates a store on client, usually a *libMongo.Client.
func NewStore(client Client, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:         client,
		logger:         libLog.NewNop(),
		collectionName: DefaultCollectionName,
		now:            func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.collectionName == "" {
		store.collectionName = DefaultCollectionName
	}

	store.collection = func(ctx context.Context) (collection, error) {
		db, err := store.client.Database(ctx)
		if err != nil {
			return nil, err
		}

		return db.Collection(store.collectionName), nil
	}

	return store, nil
}

// Indexes returns the index set EnsureIndexes creates.
func Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "available_at", Value: 1}, {Key: "occurred_at", Value: 1}},
			Options: options.Index().SetName("ix_outbox_messages_status_available_at"),
		},
		{
			Keys:    bson.D{{Key: "processed_at", Value: 1}},
			Options: options.Index().SetName("ix_outbox_messages_processed_at"),
		},
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetName("ix_outbox_messages_idempotency_key").SetSparse(true),
		},
	}
}

// EnsureIndexes creates the collection indexes. It is safe to run on every
// start.
func (store *Store) EnsureIndexes(ctx context.Context) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	return store.client.EnsureIndexes(ctx, store.collectionName, Indexes()...)
}

// Enqueue inserts one Pending document.
func (store *Store) Enqueue(ctx context.Context, tx outbox.Tx, message *outbox.Message) error {
	return store.EnqueueMany(ctx, tx, []*outbox.Message{message})
}

// EnqueueMany validates every message before inserting any of them. When ctx
// carries a mongo session the inserts join its transaction; otherwise more
// than one message is inserted inside a store-owned transaction.
func (store *Store) EnqueueMany(ctx context.Context, tx outbox.Tx, messages []*outbox.Message) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if tx != nil {
		return ErrTxUnsupported
	}

	if len(messages) == 0 {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := store.startSpan(ctx, "mongo.outbox.enqueue", attribute.Int("outbox.message_count", len(messages)))
	defer span.End()

	now := store.now()

	for _, message := range messages {
		if err := message.Prepare(now); err != nil {
			libOpentelemetry.HandleSpanError(&span, "invalid outbox message", err)

			return err
		}
	}

	insert := func(ctx context.Context) error {
		coll, err := store.collection(ctx)
		if err != nil {
			return err
		}

		for _, chunk := range lo.Chunk(messages, insertChunkSize) {
			docs := lo.Map(chunk, func(message *outbox.Message, _ int) any { return newDocument(message) })

			if _, err := coll.InsertMany(ctx, docs); err != nil {
				return fmt.Errorf("insert outbox messages: %w", err)
			}
		}

		return nil
	}

	var err error

	if len(messages) == 1 || mongo.SessionFromContext(ctx) != nil {
		err = insert(ctx)
	} else {
		err = store.client.WithTransaction(ctx, insert)
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to enqueue outbox messages", err)
		store.logSanitizedError(ctx, "failed to enqueue outbox messages", err)

		return err
	}

	return nil
}

// claimFilter matches documents available at now that are Pending or Failed
// and unlocked, or held by a lock older than staleBefore.
func claimFilter(now, staleBefore time.Time) bson.M {
	unlocked := bson.A{
		bson.M{"lock_id": nil},
		bson.M{"locked_at": nil},
		bson.M{"locked_at": bson.M{"$lt": staleBefore}},
	}
	staleLock := bson.A{
		bson.M{"locked_at": nil},
		bson.M{"locked_at": bson.M{"$lt": staleBefore}},
	}

	return bson.M{
		"available_at": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{
				"status": bson.M{"$in": bson.A{int(outbox.StatusPending), int(outbox.StatusFailed)}},
				"$or":    unlocked,
			},
			bson.M{
				"status": int(outbox.StatusProcessing),
				"$or":    staleLock,
			},
		},
	}
}

// claimOrder is the dispatch order: oldest available first, then oldest event.
func claimOrder() bson.D {
	return bson.D{{Key: "available_at", Value: 1}, {Key: "occurred_at", Value: 1}}
}

// ClaimBatch claims up to batchSize documents one FindOneAndUpdate at a
// time, in dispatch order. A failure after the first claim ends the batch
// early and returns what was claimed.
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

	ctx, span := store.startSpan(ctx, "mongo.outbox.claim_batch",
		attribute.Int("outbox.batch_size", batchSize),
		attribute.String("outbox.lock_id", lockID),
	)
	defer span.End()

	coll, err := store.collection(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to resolve outbox collection", err)

		return nil, err
	}

	now = now.UTC()
	filter := claimFilter(now, now.Add(-lockTimeout))
	update := bson.M{"$set": bson.M{
		"status":    int(outbox.StatusProcessing),
		"lock_id":   lockID,
		"locked_at": now,
	}}
	opts := options.FindOneAndUpdate().SetSort(claimOrder()).SetReturnDocument(options.After)

	claimed := make([]outbox.PendingMessage, 0, batchSize)

	for len(claimed) < batchSize {
		var doc document

		err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}

		var message outbox.PendingMessage
		if err == nil {
			message, err = doc.pending()
		}

		if err != nil {
			err = fmt.Errorf("claim outbox message: %w", err)
			store.logSanitizedError(ctx, "failed to claim outbox message", err)

			if len(claimed) > 0 {
				break
			}

			libOpentelemetry.HandleSpanError(&span, "failed to claim outbox message", err)

			return nil, err
		}

		claimed = append(claimed, message)
	}

	span.SetAttributes(attribute.Int("outbox.claimed", len(claimed)))

	return claimed, nil
}

// MarkSucceeded moves a document held by lockID to Succeeded and clears its
// lock and last error.
func (store *Store) MarkSucceeded(ctx context.Context, id uuid.UUID, lockID string, processedAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":       int(outbox.StatusSucceeded),
		"processed_at": processedAt.UTC(),
		"lock_id":      nil,
		"locked_at":    nil,
		"last_error":   nil,
	}}

	return store.markHeld(ctx, "mongo.outbox.mark_succeeded", id, lockID, update)
}

// MarkFailed records a failed attempt on a document held by lockID.
func (store *Store) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	lockID, errText string,
	nextAvailableAt time.Time,
	moveToPoison bool,
) error {
	status := outbox.StatusFailed
	if moveToPoison {
		status = outbox.StatusPoison
	}

	update := bson.M{
		"$set": bson.M{
			"status":       int(status),
			"lock_id":      nil,
			"locked_at":    nil,
			"last_error":   outbox.StorableErrorText(errText),
			"available_at": nextAvailableAt.UTC(),
		},
		"$inc": bson.M{"retry_count": 1},
	}

	return store.markHeld(ctx, "mongo.outbox.mark_failed", id, lockID, update)
}

func (store *Store) markHeld(ctx context.Context, spanName string, id uuid.UUID, lockID string, update bson.M) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if strings.TrimSpace(lockID) == "" {
		return outbox.ErrInvalidLockID
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := store.startSpan(ctx, spanName)
	defer span.End()

	coll, err := store.collection(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to resolve outbox collection", err)

		return err
	}

	filter := bson.M{"_id": id.String(), "lock_id": lockID, "status": int(outbox.StatusProcessing)}

	result, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		err = fmt.Errorf("update outbox message %s: %w", id, err)
		libOpentelemetry.HandleSpanError(&span, "failed to update outbox message", err)

		return err
	}

	if result == nil || result.MatchedCount == 0 {
		return outbox.ErrLockLost
	}

	return nil
}

func (store *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	_, tracer := libRelay.NewTrackingFromContext(ctx)

	attrs = append(attrs,
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, store.collectionName),
	)

	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (store *Store) initialized() bool {
	return store != nil && !nilcheck.Interface(store.client) && store.collection != nil
}

func (store *Store) logSanitizedError(ctx context.Context, message string, err error) {
	store.logger.Log(ctx, libLog.LevelError, message,
		libLog.String("error", outbox.SanitizeErrorMessage(err.Error(), 0)))
}
