package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transaction type accepted by Enqueue. SQL stores insert through
// it; document stores take their session from ctx and require a nil Tx.
type Tx = *sql.Tx

// Store persists outbox rows. Implementations must make ClaimBatch safe
// across concurrent workers: a row is returned to at most one caller per
// lock window.
type Store interface {
	// Enqueue inserts one Pending row. A nil tx makes the store use its own
	// transaction.
	Enqueue(ctx context.Context, tx Tx, message *Message) error
	// EnqueueMany inserts all messages atomically. An empty slice is a no-op.
	EnqueueMany(ctx context.Context, tx Tx, messages []*Message) error
	// ClaimBatch locks up to batchSize available rows under lockID. Rows lost
	// to a concurrent claimant are silently skipped.
	ClaimBatch(ctx context.Context, batchSize int, lockID string, now time.Time, lockTimeout time.Duration) ([]PendingMessage, error)
	// MarkSucceeded finalizes a row still held by lockID.
	MarkSucceeded(ctx context.Context, id uuid.UUID, lockID string, processedAt time.Time) error
	// MarkFailed records a failed attempt on a row still held by lockID.
	MarkFailed(ctx context.Context, id uuid.UUID, lockID, errText string, nextAvailableAt time.Time, moveToPoison bool) error
}

// ValidateClaim checks ClaimBatch arguments in the order stores report them.
func ValidateClaim(batchSize int, lockID string, lockTimeout time.Duration) error {
	if batchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if isBlank(lockID) {
		return ErrInvalidLockID
	}

	if lockTimeout <= 0 {
		return ErrInvalidLockTimeout
	}

	return nil
}
