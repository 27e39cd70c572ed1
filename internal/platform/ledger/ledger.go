package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/clock"
)

var (
	// ErrInsufficientEscrow reports that an escrow account does not hold
	// enough value to fund the requested transfer.
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	// ErrTransferRejected reports a downstream validation or network
	// failure. Safe to retry with the same transfer key.
	ErrTransferRejected = errors.New("transfer rejected")
)

// OperatorAccount collects platform listing fees.
const OperatorAccount = "operator_liability"

// EscrowAccount names the per-item escrow account that holds an audit fee
// from creation until settlement or refund.
func EscrowAccount(itemID string) string {
	return "escrow:" + itemID
}

// Ledger abstracts balance queries and value movement. Every mutating call
// carries a caller-supplied transfer key; replaying a key is a no-op, which
// makes crash-and-retry settlement safe.
type Ledger interface {
	BalanceOf(ctx context.Context, account string) (int64, error)
	// EscrowDeposit moves amountMinor from the producer's funding account
	// into the item's escrow account.
	EscrowDeposit(ctx context.Context, itemID, producer string, amountMinor int64, key string) error
	// EscrowTransfer pays amountMinor out of the item's escrow account.
	EscrowTransfer(ctx context.Context, itemID, to string, amountMinor int64, key string) error
}

type posting struct {
	account   string
	direction string
	amount    int64
	createdAt time.Time
}

// InMemory is a double-entry ledger held in process, mirrored to Postgres
// when a handle is supplied. Producer funding accounts may go negative; they
// stand in for the external value source that accompanies a creation request.
// Escrow accounts never overdraw.
type InMemory struct {
	Clock clock.Clock

	mu            sync.Mutex
	accounts      map[string]int64
	postingsByKey map[string][]posting
	faults        map[string]error
	db            *sql.DB
}

func NewInMemory(clk clock.Clock, db ...*sql.DB) *InMemory {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &InMemory{
		Clock:         clk,
		accounts:      make(map[string]int64),
		postingsByKey: make(map[string][]posting),
		faults:        make(map[string]error),
		db:            handle,
	}
}

func (l *InMemory) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now().UTC()
}

// SetTransferFault makes the next transfer crediting the given account fail
// with err. Used by tests to exercise per-slot settlement retry.
func (l *InMemory) SetTransferFault(account string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.faults, account)
		return
	}
	l.faults[account] = err
}

func (l *InMemory) BalanceOf(_ context.Context, account string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[account], nil
}

func isBalanced(postings []posting) bool {
	var total int64
	for _, p := range postings {
		switch p.direction {
		case "credit":
			total += p.amount
		case "debit":
			total -= p.amount
		default:
			return false
		}
	}
	return total == 0
}

func (l *InMemory) applyLocked(ctx context.Context, key string, postings []posting) error {
	if !isBalanced(postings) {
		return ErrTransferRejected
	}
	for _, p := range postings {
		if p.direction == "credit" {
			l.accounts[p.account] += p.amount
		} else {
			l.accounts[p.account] -= p.amount
		}
	}
	l.postingsByKey[key] = postings

	if err := l.persistTransfer(ctx, key, postings); err != nil {
		for _, p := range postings {
			if p.direction == "credit" {
				l.accounts[p.account] -= p.amount
			} else {
				l.accounts[p.account] += p.amount
			}
		}
		delete(l.postingsByKey, key)
		return err
	}
	return nil
}

func (l *InMemory) EscrowDeposit(ctx context.Context, itemID, producer string, amountMinor int64, key string) error {
	if amountMinor < 0 || key == "" {
		return ErrTransferRejected
	}
	if amountMinor == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.postingsByKey[key]; done {
		return nil
	}
	now := l.now()
	return l.applyLocked(ctx, key, []posting{
		{account: producer, direction: "debit", amount: amountMinor, createdAt: now},
		{account: EscrowAccount(itemID), direction: "credit", amount: amountMinor, createdAt: now},
	})
}

func (l *InMemory) EscrowTransfer(ctx context.Context, itemID, to string, amountMinor int64, key string) error {
	if amountMinor < 0 || key == "" {
		return ErrTransferRejected
	}
	if amountMinor == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.postingsByKey[key]; done {
		return nil
	}
	if fault, ok := l.faults[to]; ok {
		delete(l.faults, to)
		return fault
	}
	escrow := EscrowAccount(itemID)
	if l.accounts[escrow] < amountMinor {
		return ErrInsufficientEscrow
	}
	now := l.now()
	return l.applyLocked(ctx, key, []posting{
		{account: escrow, direction: "debit", amount: amountMinor, createdAt: now},
		{account: to, direction: "credit", amount: amountMinor, createdAt: now},
	})
}

// Postings returns a copy of the applied posting pair for a transfer key,
// with ok=false when the key was never applied.
func (l *InMemory) Postings(key string) ([]Posting, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.postingsByKey[key]
	if !ok {
		return nil, false
	}
	out := make([]Posting, 0, len(ps))
	for _, p := range ps {
		out = append(out, Posting{Account: p.account, Direction: p.direction, AmountMinor: p.amount, CreatedAt: p.createdAt})
	}
	return out, true
}

// Posting is the exported view of one ledger leg.
type Posting struct {
	Account     string
	Direction   string
	AmountMinor int64
	CreatedAt   time.Time
}
