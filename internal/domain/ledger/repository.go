package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
)

const queryTimeout = 3 * time.Second

const uniqueViolation = "23505"

const purchaseColumns = `id, purchaser_id, package_type, template_id, credits_total, credits_remaining,
	status, external_event_id, amount, version, created_at, updated_at`

const usageColumns = `id, purchase_id, purchaser_id, template_id, action_kind, credits_consumed,
	credits_remaining_after, idempotency_key, created_at`

// Repository is the Postgres Store
type Repository struct {
	db *sqlx.DB
}

var _ Store = (*Repository)(nil)

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *Repository) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (r *Repository) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Principal
	err := r.db.GetContext(ctx2, &p, `SELECT id, tier, created_at, updated_at FROM principals WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPrincipalNotFound
		}
		return nil, storageErr("get principal", err)
	}
	return &p, nil
}

func (r *Repository) UpsertPrincipalTier(ctx context.Context, id string, tier catalog.TierID) (*Principal, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Principal
	err := r.db.GetContext(ctx2, &p, `
		INSERT INTO principals (id, tier)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = now()
		RETURNING id, tier, created_at, updated_at
	`, id, tier)
	if err != nil {
		return nil, storageErr("upsert principal", err)
	}
	return &p, nil
}

func (r *Repository) ListActivePurchases(ctx context.Context, purchaserID string) ([]Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	purchases := make([]Purchase, 0)
	err := r.db.SelectContext(ctx2, &purchases, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE purchaser_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC
	`, purchaserID, StatusCompleted)
	if err != nil {
		return nil, storageErr("list active purchases", err)
	}
	return purchases, nil
}

func (r *Repository) ListPurchases(ctx context.Context, purchaserID string) ([]Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	purchases := make([]Purchase, 0)
	err := r.db.SelectContext(ctx2, &purchases, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE purchaser_id = $1
		ORDER BY created_at ASC, id ASC
	`, purchaserID)
	if err != nil {
		return nil, storageErr("list purchases", err)
	}
	return purchases, nil
}

func (r *Repository) GetPurchase(ctx context.Context, id uuid.UUID) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.GetContext(ctx2, &p, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, storageErr("get purchase", err)
	}
	return &p, nil
}

func (r *Repository) GetPurchaseByExternalEvent(ctx context.Context, externalEventID string) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.GetContext(ctx2, &p, `SELECT `+purchaseColumns+` FROM purchases WHERE external_event_id = $1`, externalEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, storageErr("get purchase by event", err)
	}
	return &p, nil
}

func (r *Repository) UpsertPurchaseFromExternalEvent(ctx context.Context, evt PurchaseEvent) (*Purchase, bool, error) {
	evt, err := ValidateEvent(evt)
	if err != nil {
		return nil, false, err
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Dedupe key is checked before insert; the unique index catches racing replays.
	existing, err := r.GetPurchaseByExternalEvent(ctx2, evt.ExternalEventID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrPurchaseNotFound) {
		return nil, false, err
	}

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return nil, false, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx2, `
		INSERT INTO principals (id, tier)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, evt.PurchaserID, catalog.TierFree); err != nil {
		return nil, false, storageErr("ensure principal", err)
	}

	var p Purchase
	err = tx.GetContext(ctx2, &p, `
		INSERT INTO purchases (
			id, purchaser_id, package_type, template_id, credits_total, credits_remaining,
			status, external_event_id, amount
		)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING `+purchaseColumns,
		uuid.New(), evt.PurchaserID, evt.PackageType, evt.TemplateID, evt.CreditsGranted,
		evt.Status, evt.ExternalEventID, evt.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent replay
		tx.Rollback()
		existing, err := r.GetPurchaseByExternalEvent(ctx, evt.ExternalEventID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, storageErr("insert purchase", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("commit tx", err)
	}
	return &p, true, nil
}

func (r *Repository) AppendUsageLog(ctx context.Context, entry UsageEntry) (*UsageEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	out, err := r.insertUsage(ctx2, tx, entry)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit tx", err)
	}
	return out, nil
}

// CommitUsage decrements the charged purchase (if any), computes the
// principal's remaining fixed-pack balance and appends the usage entry,
// all in one transaction.
func (r *Repository) CommitUsage(ctx context.Context, c UsageCommit) (*UsageEntry, error) {
	if c.Charge && c.PurchaseID == nil {
		return nil, ErrInvalidCredits
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if c.IdempotencyKey != "" {
		var exists bool
		err := tx.GetContext(ctx2, &exists, `
			SELECT EXISTS (
				SELECT 1 FROM usage_log WHERE purchaser_id = $1 AND idempotency_key = $2
			)
		`, c.PurchaserID, c.IdempotencyKey)
		if err != nil {
			return nil, storageErr("check idempotency key", err)
		}
		if exists {
			return nil, ErrDuplicateIdempotencyKey
		}
	}

	if c.GrantPurchaseID != nil {
		// Shared lock blocks a concurrent refund until this unit commits.
		var status Status
		err := tx.GetContext(ctx2, &status, `
			SELECT status FROM purchases WHERE id = $1 AND purchaser_id = $2 FOR SHARE
		`, *c.GrantPurchaseID, c.PurchaserID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCreditConflict
		}
		if err != nil {
			return nil, storageErr("check grant", err)
		}
		if status != StatusCompleted {
			return nil, ErrCreditConflict
		}
	}

	consumed := 0
	if c.Charge {
		// Row lock is held until commit; the predicate is evaluated against
		// the latest committed row, not the caller's earlier read.
		result, err := tx.ExecContext(ctx2, `
			UPDATE purchases
			SET credits_remaining = credits_remaining - 1, version = version + 1, updated_at = now()
			WHERE id = $1 AND purchaser_id = $2 AND status = $3 AND credits_remaining > 0
		`, *c.PurchaseID, c.PurchaserID, StatusCompleted)
		if err != nil {
			return nil, storageErr("decrement credits", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, storageErr("rows affected", err)
		}
		if rows == 0 {
			return nil, ErrCreditConflict
		}
		consumed = 1
	}

	var balance int
	err = tx.GetContext(ctx2, &balance, `
		SELECT COALESCE(SUM(credits_remaining), 0)
		FROM purchases
		WHERE purchaser_id = $1 AND status = $2 AND package_type = ANY($3)
	`, c.PurchaserID, StatusCompleted, pq.Array(catalog.FixedCreditTypes()))
	if err != nil {
		return nil, storageErr("sum credits", err)
	}

	entry := UsageEntry{
		PurchaseID:            c.PurchaseID,
		PurchaserID:           c.PurchaserID,
		TemplateID:            c.TemplateID,
		ActionKind:            c.ActionKind,
		CreditsConsumed:       consumed,
		CreditsRemainingAfter: balance,
	}
	if c.IdempotencyKey != "" {
		key := c.IdempotencyKey
		entry.IdempotencyKey = &key
	}

	out, err := r.insertUsage(ctx2, tx, entry)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit tx", err)
	}
	return out, nil
}

func (r *Repository) insertUsage(ctx context.Context, tx *sqlx.Tx, entry UsageEntry) (*UsageEntry, error) {
	if entry.CreditsConsumed < 0 || entry.CreditsConsumed > 1 || entry.CreditsRemainingAfter < 0 {
		return nil, ErrInvalidCredits
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	var out UsageEntry
	err := tx.GetContext(ctx, &out, `
		INSERT INTO usage_log (
			id, purchase_id, purchaser_id, template_id, action_kind, credits_consumed,
			credits_remaining_after, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+usageColumns,
		entry.ID, entry.PurchaseID, entry.PurchaserID, entry.TemplateID, entry.ActionKind,
		entry.CreditsConsumed, entry.CreditsRemainingAfter, entry.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, storageErr("insert usage", err)
	}
	return &out, nil
}

func (r *Repository) FindUsageByIdempotencyKey(ctx context.Context, purchaserID, key string) (*UsageEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e UsageEntry
	err := r.db.GetContext(ctx2, &e, `
		SELECT `+usageColumns+`
		FROM usage_log
		WHERE purchaser_id = $1 AND idempotency_key = $2
	`, purchaserID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, storageErr("find usage", err)
	}
	return &e, nil
}

func (r *Repository) ListUsage(ctx context.Context, purchaserID string, p Pagination) ([]UsageEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	p = p.Normalized()
	entries := make([]UsageEntry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT `+usageColumns+`
		FROM usage_log
		WHERE purchaser_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, purchaserID, p.Limit, p.Offset)
	if err != nil {
		return nil, storageErr("list usage", err)
	}
	return entries, nil
}

func (r *Repository) RecordWebhookEvent(ctx context.Context, evt WebhookEvent) (*WebhookEvent, bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	payload := string(evt.Payload)
	if payload == "" {
		payload = "{}"
	}

	result, err := r.db.ExecContext(ctx2, `
		INSERT INTO webhook_events (id, event_type, external_event_id, payload, signature_valid)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (event_type, external_event_id) DO NOTHING
	`, evt.ID, evt.EventType, evt.ExternalEventID, payload, evt.SignatureValid)
	if err != nil {
		return nil, false, storageErr("insert webhook event", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, storageErr("rows affected", err)
	}

	var stored WebhookEvent
	err = r.db.GetContext(ctx2, &stored, `
		SELECT id, event_type, external_event_id, payload, signature_valid, processed_at, processing_error, created_at
		FROM webhook_events
		WHERE event_type = $1 AND external_event_id = $2
	`, evt.EventType, evt.ExternalEventID)
	if err != nil {
		return nil, false, storageErr("get webhook event", err)
	}

	return &stored, rows == 0, nil
}

func (r *Repository) MarkWebhookProcessed(ctx context.Context, id uuid.UUID, procErr error) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var msg *string
	if procErr != nil {
		s := procErr.Error()
		msg = &s
	}

	_, err := r.db.ExecContext(ctx2, `
		UPDATE webhook_events
		SET processed_at = CASE WHEN $2::text IS NULL THEN now() ELSE processed_at END,
			processing_error = $2
		WHERE id = $1
	`, id, msg)
	if err != nil {
		return storageErr("mark webhook processed", err)
	}
	return nil
}

func (r *Repository) lockPurchase(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Purchase, error) {
	var p Purchase
	err := tx.GetContext(ctx, &p, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, storageErr("lock purchase", err)
	}
	return &p, nil
}

func (r *Repository) insertAdjustment(ctx context.Context, tx *sqlx.Tx, a Adjustment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_adjustments (id, purchase_id, admin_id, field, old_value, new_value, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), a.PurchaseID, a.AdminID, a.Field, a.OldValue, a.NewValue, a.Reason)
	if err != nil {
		return storageErr("insert adjustment", err)
	}
	return nil
}

func (r *Repository) SetCreditsRemaining(ctx context.Context, change CreditChange) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	current, err := r.lockPurchase(ctx2, tx, change.PurchaseID)
	if err != nil {
		return nil, err
	}
	if err := ValidateCreditChange(current, change.Credits); err != nil {
		return nil, err
	}

	var updated Purchase
	err = tx.GetContext(ctx2, &updated, `
		UPDATE purchases
		SET credits_remaining = $2, version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+purchaseColumns,
		change.PurchaseID, change.Credits)
	if err != nil {
		return nil, storageErr("set credits", err)
	}

	if err := r.insertAdjustment(ctx2, tx, Adjustment{
		PurchaseID: change.PurchaseID,
		AdminID:    change.AdminID,
		Field:      FieldCreditsRemaining,
		OldValue:   strconv.Itoa(current.CreditsRemaining),
		NewValue:   strconv.Itoa(change.Credits),
		Reason:     change.Reason,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit tx", err)
	}
	return &updated, nil
}

func (r *Repository) AdvanceStatus(ctx context.Context, change StatusChange) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	current, err := r.lockPurchase(ctx2, tx, change.PurchaseID)
	if err != nil {
		return nil, err
	}
	if current.Status == change.Status {
		return current, nil
	}
	if !current.Status.CanAdvanceTo(change.Status) {
		return nil, ErrInvalidStatusTransition
	}

	var updated Purchase
	err = tx.GetContext(ctx2, &updated, `
		UPDATE purchases
		SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+purchaseColumns,
		change.PurchaseID, change.Status)
	if err != nil {
		return nil, storageErr("advance status", err)
	}

	if err := r.insertAdjustment(ctx2, tx, Adjustment{
		PurchaseID: change.PurchaseID,
		AdminID:    change.AdminID,
		Field:      FieldStatus,
		OldValue:   string(current.Status),
		NewValue:   string(change.Status),
		Reason:     change.Reason,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit tx", err)
	}
	return &updated, nil
}

func (r *Repository) ListAdjustments(ctx context.Context, purchaseID uuid.UUID) ([]Adjustment, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	adjustments := make([]Adjustment, 0)
	err := r.db.SelectContext(ctx2, &adjustments, `
		SELECT id, purchase_id, admin_id, field, old_value, new_value, reason, created_at
		FROM credit_adjustments
		WHERE purchase_id = $1
		ORDER BY created_at ASC, id ASC
	`, purchaseID)
	if err != nil {
		return nil, storageErr("list adjustments", err)
	}
	return adjustments, nil
}
