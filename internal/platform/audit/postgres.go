package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func normalizeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

// AppendToDB chains the event onto the day partition inside a transaction.
// The previous hash row is locked so concurrent appenders cannot fork the
// chain.
func AppendToDB(ctx context.Context, db *sql.DB, ev Event) error {
	if db == nil {
		return nil
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.RecordedAt
	}
	if ev.PartitionDay == "" {
		ev.PartitionDay = ev.RecordedAt.UTC().Format("2006-01-02")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const lockQ = `
SELECT hash_curr
FROM audit_events
WHERE partition_day = $1::date
ORDER BY recorded_at DESC, audit_id DESC
LIMIT 1
FOR UPDATE
`
	prev := "GENESIS"
	if err := tx.QueryRowContext(ctx, lockQ, ev.PartitionDay).Scan(&prev); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	ev.HashPrev = prev
	ev.HashCurr = ComputeHash(prev, ev)

	const insQ = `
INSERT INTO audit_events (
  audit_id, occurred_at, recorded_at,
  actor_id, actor_type,
  object_type, object_id, action,
  before_state, after_state,
  result, reason,
  partition_day,
  hash_prev, hash_curr
)
VALUES (
  $1, $2::timestamptz, $3::timestamptz,
  $4, $5,
  $6, $7, $8,
  $9::jsonb, $10::jsonb,
  $11, $12,
  $13::date,
  $14, $15
)
ON CONFLICT (audit_id) DO NOTHING
`
	_, err = tx.ExecContext(ctx, insQ,
		ev.AuditID,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		ev.RecordedAt.UTC().Format(time.RFC3339Nano),
		ev.ActorID,
		ev.ActorType,
		ev.ObjectType,
		ev.ObjectID,
		ev.Action,
		normalizeJSON(ev.Before),
		normalizeJSON(ev.After),
		string(ev.Result),
		ev.Reason,
		ev.PartitionDay,
		ev.HashPrev,
		ev.HashCurr,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}
