package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// storageErr classifies a persistence failure so callers can branch on the
// error taxonomy instead of a raw driver error.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageFailure, err)
}

// EnsureSchema creates the coordination tables when they do not exist yet.
// Production deployments run real migrations; this keeps single-node and
// development setups self-contained.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return nil
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_items (
  item_id            TEXT PRIMARY KEY,
  producer           TEXT NOT NULL,
  fee_minor          BIGINT NOT NULL,
  listing_fee_minor  BIGINT NOT NULL DEFAULT 0,
  currency_code      TEXT NOT NULL,
  required_auditors  INT NOT NULL,
  metadata_uri       TEXT NOT NULL DEFAULT '',
  cancelled          BOOLEAN NOT NULL DEFAULT FALSE,
  refunded           BOOLEAN NOT NULL DEFAULT FALSE,
  refund_error       TEXT NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ NOT NULL,
  cancelled_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS item_enrollments (
  item_id   TEXT NOT NULL REFERENCES audit_items (item_id),
  auditor   TEXT NOT NULL,
  position  INT NOT NULL,
  PRIMARY KEY (item_id, auditor)
);

CREATE TABLE IF NOT EXISTS item_slots (
  item_id      TEXT NOT NULL REFERENCES audit_items (item_id),
  auditor      TEXT NOT NULL,
  position     INT NOT NULL,
  share_minor  BIGINT NOT NULL,
  verdict      TEXT NOT NULL DEFAULT '',
  result_uri   TEXT NOT NULL DEFAULT '',
  submitted_at TIMESTAMPTZ,
  paid         BOOLEAN NOT NULL DEFAULT FALSE,
  paid_at      TIMESTAMPTZ,
  pay_error    TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (item_id, auditor)
);

CREATE TABLE IF NOT EXISTS ledger_transfers (
  transfer_key TEXT PRIMARY KEY,
  recorded_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_postings (
  transfer_key TEXT NOT NULL REFERENCES ledger_transfers (transfer_key),
  account_id   TEXT NOT NULL,
  direction    TEXT NOT NULL,
  amount_minor BIGINT NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_accounts (
  account_id    TEXT PRIMARY KEY,
  balance_minor BIGINT NOT NULL DEFAULT 0,
  updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
  audit_id      TEXT PRIMARY KEY,
  occurred_at   TIMESTAMPTZ NOT NULL,
  recorded_at   TIMESTAMPTZ NOT NULL,
  actor_id      TEXT NOT NULL,
  actor_type    TEXT NOT NULL,
  object_type   TEXT NOT NULL,
  object_id     TEXT NOT NULL,
  action        TEXT NOT NULL,
  before_state  JSONB NOT NULL,
  after_state   JSONB NOT NULL,
  result        TEXT NOT NULL,
  reason        TEXT NOT NULL DEFAULT '',
  partition_day DATE NOT NULL,
  hash_prev     TEXT NOT NULL,
  hash_curr     TEXT NOT NULL
);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// persistItem writes the creation facts. Caller publishes the item to the
// in-memory map only after this succeeds.
func (c *Coordinator) persistItem(ctx context.Context, it *itemState) error {
	if !c.dbEnabled() {
		return nil
	}
	const q = `
INSERT INTO audit_items (
  item_id, producer, fee_minor, listing_fee_minor, currency_code,
  required_auditors, metadata_uri, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::timestamptz)
ON CONFLICT (item_id) DO NOTHING
`
	_, err := c.db.ExecContext(ctx, q,
		it.id, it.producer, it.feeMinor, it.listingFeeMinor, it.currency,
		it.requiredAuditors, it.metadataURI, it.createdAt.Format(time.RFC3339Nano))
	return storageErr(err)
}

func (c *Coordinator) persistEnrollment(ctx context.Context, it *itemState, auditor string, position int) error {
	if !c.dbEnabled() {
		return nil
	}
	const q = `
INSERT INTO item_enrollments (item_id, auditor, position)
VALUES ($1,$2,$3)
ON CONFLICT (item_id, auditor) DO NOTHING
`
	_, err := c.db.ExecContext(ctx, q, it.id, auditor, position)
	return storageErr(err)
}

func (c *Coordinator) persistAssignment(ctx context.Context, it *itemState) error {
	if !c.dbEnabled() || it.assignment == nil {
		return nil
	}
	dbtx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const q = `
INSERT INTO item_slots (item_id, auditor, position, share_minor)
VALUES ($1,$2,$3,$4)
ON CONFLICT (item_id, auditor) DO NOTHING
`
	for i, sl := range it.assignment.slots {
		if _, err := dbtx.ExecContext(ctx, q, it.id, sl.auditor, i, sl.shareMinor); err != nil {
			return storageErr(err)
		}
	}
	return storageErr(dbtx.Commit())
}

func (c *Coordinator) persistResult(ctx context.Context, it *itemState, sl *slot) error {
	if !c.dbEnabled() {
		return nil
	}
	const q = `
UPDATE item_slots
SET verdict = $3, result_uri = $4, submitted_at = $5::timestamptz
WHERE item_id = $1 AND auditor = $2 AND verdict = ''
`
	_, err := c.db.ExecContext(ctx, q,
		it.id, sl.auditor, string(sl.verdict), sl.resultURI, sl.submittedAt.Format(time.RFC3339Nano))
	return storageErr(err)
}

func (c *Coordinator) persistSlotPayment(ctx context.Context, it *itemState, sl *slot) error {
	if !c.dbEnabled() {
		return nil
	}
	const q = `
UPDATE item_slots
SET paid = $3, paid_at = $4, pay_error = $5
WHERE item_id = $1 AND auditor = $2
`
	var paidAt any
	if !sl.paidAt.IsZero() {
		paidAt = sl.paidAt.Format(time.RFC3339Nano)
	}
	_, err := c.db.ExecContext(ctx, q, it.id, sl.auditor, sl.paid, paidAt, sl.payError)
	return storageErr(err)
}

func (c *Coordinator) persistCancellation(ctx context.Context, it *itemState) error {
	if !c.dbEnabled() {
		return nil
	}
	const q = `
UPDATE audit_items
SET cancelled = TRUE, cancelled_at = $2::timestamptz
WHERE item_id = $1
`
	_, err := c.db.ExecContext(ctx, q, it.id, it.cancelledAt.Format(time.RFC3339Nano))
	return storageErr(err)
}

func (c *Coordinator) persistRefundState(ctx context.Context, it *itemState) error {
	if !c.dbEnabled() {
		return nil
	}
	const q = `
UPDATE audit_items
SET refunded = $2, refund_error = $3
WHERE item_id = $1
`
	_, err := c.db.ExecContext(ctx, q, it.id, it.refunded, it.refundError)
	return storageErr(err)
}

// LoadState rebuilds the in-memory registries from Postgres at startup.
func (c *Coordinator) LoadState(ctx context.Context) error {
	if !c.dbEnabled() {
		return nil
	}

	const itemsQ = `
SELECT item_id, producer, fee_minor, listing_fee_minor, currency_code,
       required_auditors, metadata_uri, cancelled, refunded, refund_error,
       created_at, cancelled_at
FROM audit_items
ORDER BY created_at, item_id
`
	rows, err := c.db.QueryContext(ctx, itemsQ)
	if err != nil {
		return err
	}
	defer rows.Close()

	items := make(map[string]*itemState)
	var order []string
	for rows.Next() {
		it := &itemState{}
		var cancelledAt sql.NullTime
		if err := rows.Scan(&it.id, &it.producer, &it.feeMinor, &it.listingFeeMinor,
			&it.currency, &it.requiredAuditors, &it.metadataURI,
			&it.cancelled, &it.refunded, &it.refundError,
			&it.createdAt, &cancelledAt); err != nil {
			return err
		}
		if cancelledAt.Valid {
			it.cancelledAt = cancelledAt.Time
		}
		items[it.id] = it
		order = append(order, it.id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	const enrollQ = `
SELECT item_id, auditor
FROM item_enrollments
ORDER BY item_id, position
`
	eRows, err := c.db.QueryContext(ctx, enrollQ)
	if err != nil {
		return err
	}
	defer eRows.Close()
	for eRows.Next() {
		var itemID, auditor string
		if err := eRows.Scan(&itemID, &auditor); err != nil {
			return err
		}
		if it, ok := items[itemID]; ok {
			it.enrolled = append(it.enrolled, auditor)
		}
	}
	if err := eRows.Err(); err != nil {
		return err
	}

	const slotsQ = `
SELECT item_id, auditor, share_minor, verdict, result_uri,
       submitted_at, paid, paid_at, pay_error
FROM item_slots
ORDER BY item_id, position
`
	sRows, err := c.db.QueryContext(ctx, slotsQ)
	if err != nil {
		return err
	}
	defer sRows.Close()
	for sRows.Next() {
		var itemID string
		sl := &slot{}
		var verdict string
		var submittedAt, paidAt sql.NullTime
		if err := sRows.Scan(&itemID, &sl.auditor, &sl.shareMinor, &verdict, &sl.resultURI,
			&submittedAt, &sl.paid, &paidAt, &sl.payError); err != nil {
			return err
		}
		sl.verdict = Verdict(verdict)
		if submittedAt.Valid {
			sl.submittedAt = submittedAt.Time
		}
		if paidAt.Valid {
			sl.paidAt = paidAt.Time
		}
		it, ok := items[itemID]
		if !ok {
			continue
		}
		if it.assignment == nil {
			it.assignment = &assignment{}
		}
		it.assignment.slots = append(it.assignment.slots, sl)
	}
	if err := sRows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.items = items
	c.order = order
	c.mu.Unlock()
	return nil
}
