package server

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/ledger"
)

// Coordinator is the lifecycle state machine and the only entry point for
// callers. It owns the item, enrollment, assignment and result registries and
// drives settlement through the fee ledger.
//
// Locking discipline: the coordinator mutex guards only the item map; each
// item carries its own lock, so commands against different items run fully in
// parallel. Ledger calls are never made while an item lock is held unless the
// transfer must be atomic with item visibility (escrow at creation happens
// before the item is published at all).
type Coordinator struct {
	Clock   clock.Clock
	Trail   *audit.Trail
	Ledger  ledger.Ledger
	Metrics *Metrics

	mu          sync.Mutex
	items       map[string]*itemState
	order       []string
	nextAuditID int64

	listingFeeMinor int64
	currency        string
	db              *sql.DB
}

func NewCoordinator(clk clock.Clock, led ledger.Ledger, db ...*sql.DB) *Coordinator {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &Coordinator{
		Clock:    clk,
		Trail:    audit.NewTrail(),
		Ledger:   led,
		items:    make(map[string]*itemState),
		currency: "USD",
		db:       handle,
	}
}

// SetListingFee configures the flat platform fee charged on top of the audit
// fee at creation. It is paid to the operator account and is not refunded on
// cancellation.
func (c *Coordinator) SetListingFee(minor int64) {
	if c == nil || minor < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listingFeeMinor = minor
}

func (c *Coordinator) SetCurrency(code string) {
	if c == nil || code == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currency = code
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Coordinator) nextAuditIDLocked() string {
	c.nextAuditID++
	return "acs-audit-" + strconv.FormatInt(c.nextAuditID, 10)
}

func (c *Coordinator) lookup(itemID string) (*itemState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	return it, nil
}

func (c *Coordinator) appendAudit(actorID, actorType, itemID, action string, before, after []byte, result audit.Result, reason string) {
	if c.Trail == nil {
		return
	}
	c.mu.Lock()
	auditID := c.nextAuditIDLocked()
	c.mu.Unlock()

	now := c.now()
	ev := audit.Event{
		AuditID:      auditID,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      actorID,
		ActorType:    actorType,
		ObjectType:   "audit_item",
		ObjectID:     itemID,
		Action:       action,
		Before:       before,
		After:        after,
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	}
	if c.dbEnabled() {
		_ = audit.AppendToDB(context.Background(), c.db, ev)
	}
	_, _ = c.Trail.Append(ev)
}

func (c *Coordinator) auditDenied(actorID, actorType, itemID, action, reason string) {
	c.appendAudit(actorID, actorType, itemID, action, []byte(`{}`), []byte(`{}`), audit.ResultDenied, reason)
}

func (c *Coordinator) observe(action string, err error) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.ObserveCommand(action, err)
}

// transferKey builds the idempotency key for a ledger movement, scoped by
// item, counterparty and purpose so a retried settlement cannot double-pay.
func transferKey(itemID, party, purpose string) string {
	return strings.Join([]string{"item", itemID, party, purpose}, "|")
}

// CreateItemCommand lists an item for audit. The audit fee plus the platform
// listing fee is escrowed before the item becomes visible.
type CreateItemCommand struct {
	Producer         string
	FeeMinor         int64
	RequiredAuditors int
	MetadataURI      string
}

func (c *Coordinator) CreateItem(ctx context.Context, cmd CreateItemCommand) (ItemView, error) {
	if cmd.Producer == "" || cmd.FeeMinor < 0 || cmd.RequiredAuditors < 1 {
		err := fmt.Errorf("%w: producer, fee >= 0 and required auditors >= 1", ErrInvalidInput)
		c.observe("create_item", err)
		return ItemView{}, err
	}

	c.mu.Lock()
	listingFee := c.listingFeeMinor
	currency := c.currency
	c.mu.Unlock()

	id := uuid.NewString()
	total := cmd.FeeMinor + listingFee
	if err := c.Ledger.EscrowDeposit(ctx, id, cmd.Producer, total, transferKey(id, cmd.Producer, "escrow")); err != nil {
		wrapped := fmt.Errorf("%w: escrow deposit: %v", ErrLedgerFailure, err)
		c.auditDenied(cmd.Producer, "producer", id, "create_item", "escrow deposit failed")
		c.observe("create_item", wrapped)
		return ItemView{}, wrapped
	}

	it := &itemState{
		id:               id,
		producer:         cmd.Producer,
		feeMinor:         cmd.FeeMinor,
		listingFeeMinor:  listingFee,
		currency:         currency,
		requiredAuditors: cmd.RequiredAuditors,
		metadataURI:      cmd.MetadataURI,
		createdAt:        c.now(),
	}
	if err := c.persistItem(ctx, it); err != nil {
		// The item never becomes visible and a fresh id means no retry can
		// replay the escrow key, so return the full deposit now.
		_ = c.Ledger.EscrowTransfer(ctx, id, cmd.Producer, total, transferKey(id, cmd.Producer, "refund"))
		c.observe("create_item", err)
		return ItemView{}, err
	}
	if listingFee > 0 {
		if err := c.Ledger.EscrowTransfer(ctx, id, ledger.OperatorAccount, listingFee, transferKey(id, ledger.OperatorAccount, "listing")); err != nil {
			wrapped := fmt.Errorf("%w: listing fee: %v", ErrLedgerFailure, err)
			// Mark the persisted row cancelled so a restart cannot revive an
			// item the caller never saw, then unwind the deposit.
			it.cancelled = true
			it.cancelledAt = c.now()
			_ = c.persistCancellation(ctx, it)
			_ = c.Ledger.EscrowTransfer(ctx, id, cmd.Producer, total, transferKey(id, cmd.Producer, "refund"))
			c.observe("create_item", wrapped)
			return ItemView{}, wrapped
		}
	}

	c.mu.Lock()
	c.items[id] = it
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.appendAudit(cmd.Producer, "producer", id, "create_item", []byte(`{}`), it.snapshotJSON(), audit.ResultSuccess, "")
	c.observe("create_item", nil)
	if c.Metrics != nil {
		c.Metrics.ItemOpened()
	}
	return it.view(), nil
}

// CancelCommand aborts an item before settlement. Producer only; refunds the
// escrowed audit fee (the listing fee stays with the platform) and releases
// all slots. Terminal.
type CancelCommand struct {
	ItemID      string
	RequestedBy string
}

func (c *Coordinator) Cancel(ctx context.Context, cmd CancelCommand) (ItemView, error) {
	it, err := c.lookup(cmd.ItemID)
	if err != nil {
		c.observe("cancel_item", err)
		return ItemView{}, err
	}

	it.mu.Lock()
	if cmd.RequestedBy != it.producer {
		it.mu.Unlock()
		err := fmt.Errorf("%w: only the producer may cancel", ErrUnauthorized)
		c.auditDenied(cmd.RequestedBy, "producer", cmd.ItemID, "cancel_item", "caller is not the producer")
		c.observe("cancel_item", err)
		return ItemView{}, err
	}
	if st := it.status(); st.Terminal() {
		it.mu.Unlock()
		err := fmt.Errorf("%w: item is %s", ErrInvalidState, st)
		c.auditDenied(cmd.RequestedBy, "producer", cmd.ItemID, "cancel_item", "item already terminal")
		c.observe("cancel_item", err)
		return ItemView{}, err
	}
	before := it.snapshotJSON()
	it.cancelled = true
	it.cancelledAt = c.now()
	if err := c.persistCancellation(ctx, it); err != nil {
		it.cancelled = false
		it.cancelledAt = time.Time{}
		it.mu.Unlock()
		c.observe("cancel_item", err)
		return ItemView{}, err
	}
	after := it.snapshotJSON()
	refundMinor := it.feeMinor
	producer := it.producer
	it.mu.Unlock()

	c.appendAudit(cmd.RequestedBy, "producer", cmd.ItemID, "cancel_item", before, after, audit.ResultSuccess, "")
	if c.Metrics != nil {
		c.Metrics.ItemClosed()
	}

	// The refund is attempted outside the item lock; the cancellation is
	// already committed and the keyed transfer makes retry safe.
	refundErr := c.refund(ctx, it, producer, refundMinor)
	c.observe("cancel_item", refundErr)

	it.mu.Lock()
	view := it.view()
	it.mu.Unlock()
	return view, refundErr
}

func (c *Coordinator) refund(ctx context.Context, it *itemState, producer string, amountMinor int64) error {
	err := c.Ledger.EscrowTransfer(ctx, it.id, producer, amountMinor, transferKey(it.id, producer, "refund"))

	it.mu.Lock()
	if err != nil {
		it.refundError = err.Error()
	} else {
		it.refunded = true
		it.refundError = ""
	}
	persistErr := c.persistRefundState(ctx, it)
	it.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: refund: %v", ErrLedgerFailure, err)
	}
	return persistErr
}

func (c *Coordinator) dbEnabled() bool {
	return c != nil && c.db != nil
}
