package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"mintbridge/internal/models"
)

// ErrConflict is returned by Transition when the stored state does not match
// the caller's expected state. Callers must re-read and decide.
var ErrConflict = errors.New("state transition conflict")

const requestColumns = `
	id, payment_reference, buyer_address, quantity, amount_cents, state,
	signing_key, nonce, tx_hash, replacement_count, gas_price_wei,
	included_block, attempts, last_error, next_attempt_at, submitted_at,
	alerted, created_at, updated_at
`

// ==================== Admission ====================

// Admit records a payment event and returns its mint request. The whole
// operation runs in a single transaction so two concurrent deliveries of the
// same logical event cannot create two requests:
//   - a previously seen event id returns the existing request unchanged
//   - a previously seen payment reference under a new event id returns the
//     existing request and records the new event id mapping
//   - otherwise a new request is created in state RECEIVED
//
// The returned bool is true when a new request was created.
func (db *DB) Admit(ctx context.Context, event models.PaymentEvent) (*models.MintRequest, bool, error) {
	requestID := models.DeriveRequestID(event.PaymentReference)

	var req models.MintRequest
	var created bool

	err := db.InTransaction(func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO mint_requests (
				id, payment_reference, buyer_address, quantity, amount_cents, state
			)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, requestID, event.PaymentReference, event.BuyerAddress,
			event.Quantity, event.AmountCents, models.RequestStateReceived)
		if err != nil {
			return fmt.Errorf("failed to insert mint request: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = rows == 1

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, request_id, received_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING
		`, event.EventID, requestID, event.ReceivedAt); err != nil {
			return fmt.Errorf("failed to record event id: %w", err)
		}

		query := `SELECT ` + requestColumns + ` FROM mint_requests WHERE id = $1`
		if err := tx.GetContext(ctx, &req, query, requestID); err != nil {
			return fmt.Errorf("failed to load mint request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return &req, created, nil
}

// SeenEvent returns the idempotency record for an event id, or nil if the
// event has never been admitted
func (db *DB) SeenEvent(ctx context.Context, eventID string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := db.GetContext(ctx, &rec, `
		SELECT event_id, request_id, received_at
		FROM processed_events WHERE event_id = $1
	`, eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PruneEvents deletes idempotency records older than the retention cutoff.
// The window must exceed the payment processor's redelivery horizon.
func (db *DB) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE received_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Transitions ====================

// Patch carries the field updates applied alongside a state transition.
// Nil pointers leave the column untouched.
type Patch struct {
	SigningKey            *string
	Nonce                 *int64
	TxHash                *string
	GasPriceWei           *string
	IncludedBlock         *int64
	ClearInclusion        bool
	LastError             *string
	NextAttemptAt         *time.Time
	SubmittedAt           *time.Time
	Alerted               *bool
	IncrementAttempts     bool
	IncrementReplacements bool
}

// Transition moves a request from expectedState to newState, applying the
// patch in the same statement. It is the sole mutation path for request rows:
// the expected-state guard makes every update optimistic, so the sweeper and
// the live path cannot overwrite each other's decisions.
func (db *DB) Transition(ctx context.Context, id string, expected, next models.RequestState, patch Patch) error {
	sets := []string{"state = $1", "updated_at = NOW()"}
	args := []interface{}{next}
	n := 1

	add := func(col string, val interface{}) {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
	}

	if patch.SigningKey != nil {
		add("signing_key", *patch.SigningKey)
	}
	if patch.Nonce != nil {
		add("nonce", *patch.Nonce)
	}
	if patch.TxHash != nil {
		add("tx_hash", *patch.TxHash)
	}
	if patch.GasPriceWei != nil {
		add("gas_price_wei", *patch.GasPriceWei)
	}
	if patch.IncludedBlock != nil {
		add("included_block", *patch.IncludedBlock)
	}
	if patch.ClearInclusion {
		sets = append(sets, "included_block = NULL")
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if patch.NextAttemptAt != nil {
		add("next_attempt_at", *patch.NextAttemptAt)
	}
	if patch.SubmittedAt != nil {
		add("submitted_at", *patch.SubmittedAt)
	}
	if patch.Alerted != nil {
		add("alerted", *patch.Alerted)
	}
	if patch.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if patch.IncrementReplacements {
		sets = append(sets, "replacement_count = replacement_count + 1")
	}

	args = append(args, id, expected)
	query := fmt.Sprintf(
		`UPDATE mint_requests SET %s WHERE id = $%d AND state = $%d`,
		strings.Join(sets, ", "), n+1, n+2,
	)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition request %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// ==================== Request Queries ====================

// GetRequest retrieves a mint request by id
func (db *DB) GetRequest(ctx context.Context, id string) (*models.MintRequest, error) {
	var req models.MintRequest
	query := `SELECT ` + requestColumns + ` FROM mint_requests WHERE id = $1`
	err := db.GetContext(ctx, &req, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &req, err
}

// GetRequestByPaymentReference retrieves a mint request by its payment reference
func (db *DB) GetRequestByPaymentReference(ctx context.Context, ref string) (*models.MintRequest, error) {
	var req models.MintRequest
	query := `SELECT ` + requestColumns + ` FROM mint_requests WHERE payment_reference = $1`
	err := db.GetContext(ctx, &req, query, ref)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &req, err
}

// RequestsByState retrieves all requests with a given state, oldest first
func (db *DB) RequestsByState(ctx context.Context, state models.RequestState) ([]models.MintRequest, error) {
	var reqs []models.MintRequest
	query := `SELECT ` + requestColumns + ` FROM mint_requests WHERE state = $1 ORDER BY created_at ASC`
	err := db.SelectContext(ctx, &reqs, query, state)
	return reqs, err
}

// QueuedDue retrieves QUEUED requests whose backoff deadline has passed
func (db *DB) QueuedDue(ctx context.Context, now time.Time) ([]models.MintRequest, error) {
	var reqs []models.MintRequest
	query := `
		SELECT ` + requestColumns + `
		FROM mint_requests
		WHERE state = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY created_at ASC
	`
	err := db.SelectContext(ctx, &reqs, query, models.RequestStateQueued, now)
	return reqs, err
}

// SubmittedBefore retrieves SUBMITTED requests broadcast before the cutoff
// and not yet seen included. These are candidates for fee-bump replacement.
func (db *DB) SubmittedBefore(ctx context.Context, cutoff time.Time) ([]models.MintRequest, error) {
	var reqs []models.MintRequest
	query := `
		SELECT ` + requestColumns + `
		FROM mint_requests
		WHERE state = $1 AND submitted_at <= $2 AND included_block IS NULL
		ORDER BY submitted_at ASC
	`
	err := db.SelectContext(ctx, &reqs, query, models.RequestStateSubmitted, cutoff)
	return reqs, err
}

// FailedBefore retrieves FAILED requests last touched before the grace cutoff.
// These are due to be abandoned with an operator alert.
func (db *DB) FailedBefore(ctx context.Context, cutoff time.Time) ([]models.MintRequest, error) {
	var reqs []models.MintRequest
	query := `
		SELECT ` + requestColumns + `
		FROM mint_requests
		WHERE state = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
	`
	err := db.SelectContext(ctx, &reqs, query, models.RequestStateFailed, cutoff)
	return reqs, err
}

// ==================== Nonce Slots ====================

// AllocateNonce atomically reads and increments the next nonce for a signing
// key, creating the slot on first use
func (db *DB) AllocateNonce(ctx context.Context, signingKey string) (int64, error) {
	var nonce int64
	query := `
		INSERT INTO nonce_slots (signing_key, next_nonce)
		VALUES ($1, 1)
		ON CONFLICT (signing_key)
		DO UPDATE SET next_nonce = nonce_slots.next_nonce + 1
		RETURNING next_nonce - 1
	`
	err := db.QueryRowContext(ctx, query, signingKey).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate nonce for %s: %w", signingKey, err)
	}
	return nonce, nil
}

// RewindNonce lowers next_nonce so a released nonce is handed out again.
// Only call for a nonce whose transaction never reached the mempool: the
// account sequence on chain can never advance past such a gap, so the slot
// must back up and refill it.
func (db *DB) RewindNonce(ctx context.Context, signingKey string, nonce int64) error {
	query := `
		UPDATE nonce_slots
		SET next_nonce = LEAST(next_nonce, $2)
		WHERE signing_key = $1
	`
	_, err := db.ExecContext(ctx, query, signingKey, nonce)
	if err != nil {
		return fmt.Errorf("failed to rewind nonce slot for %s: %w", signingKey, err)
	}
	return nil
}

// SyncNonce raises next_nonce to at least the given value. Used at startup to
// align the slot with the ledger-observed account nonce.
func (db *DB) SyncNonce(ctx context.Context, signingKey string, nextNonce int64) error {
	query := `
		INSERT INTO nonce_slots (signing_key, next_nonce)
		VALUES ($1, $2)
		ON CONFLICT (signing_key)
		DO UPDATE SET next_nonce = GREATEST(nonce_slots.next_nonce, $2)
	`
	_, err := db.ExecContext(ctx, query, signingKey, nextNonce)
	return err
}

// InFlightNonces returns nonce -> request id for submitted-but-unconfirmed
// transactions of a signing key. Used to rebuild the ledger after restart.
func (db *DB) InFlightNonces(ctx context.Context, signingKey string) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT nonce, id FROM mint_requests
		WHERE signing_key = $1 AND state = $2 AND nonce IS NOT NULL
	`, signingKey, models.RequestStateSubmitted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inFlight := make(map[int64]string)
	for rows.Next() {
		var nonce int64
		var id string
		if err := rows.Scan(&nonce, &id); err != nil {
			return nil, err
		}
		inFlight[nonce] = id
	}
	return inFlight, rows.Err()
}
