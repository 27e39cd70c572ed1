package ledger

import (
	"context"
	"time"
)

func (l *InMemory) dbEnabled() bool {
	return l != nil && l.db != nil
}

// persistTransfer writes the transfer and its postings inside one database
// transaction. The transfer key is the primary key, so a replayed write after
// a crash is absorbed by ON CONFLICT DO NOTHING.
func (l *InMemory) persistTransfer(ctx context.Context, key string, postings []posting) error {
	if !l.dbEnabled() || len(postings) == 0 {
		return nil
	}

	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const insTransfer = `
INSERT INTO ledger_transfers (transfer_key, recorded_at)
VALUES ($1, $2::timestamptz)
ON CONFLICT (transfer_key) DO NOTHING
`
	res, err := dbtx.ExecContext(ctx, insTransfer, key, l.now().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already durable from a previous attempt.
		return dbtx.Commit()
	}

	const insPosting = `
INSERT INTO ledger_postings (transfer_key, account_id, direction, amount_minor, created_at)
VALUES ($1, $2, $3, $4, $5::timestamptz)
`
	const adjust = `
INSERT INTO ledger_accounts (account_id, balance_minor, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (account_id) DO UPDATE
SET balance_minor = ledger_accounts.balance_minor + $2,
    updated_at = NOW()
`
	for _, p := range postings {
		if _, err := dbtx.ExecContext(ctx, insPosting,
			key, p.account, p.direction, p.amount, p.createdAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
		delta := p.amount
		if p.direction == "debit" {
			delta = -p.amount
		}
		if _, err := dbtx.ExecContext(ctx, adjust, p.account, delta); err != nil {
			return err
		}
	}
	return dbtx.Commit()
}
