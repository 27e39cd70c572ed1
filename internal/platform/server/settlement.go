package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/audit"
)

// settle pays every unpaid slot its share out of the item's escrow. Each
// transfer is attempted independently: one failing slot never blocks the
// others, and a failed slot stays pending with the error recorded. Replaying
// settlement is a no-op for slots already paid, both here and at the ledger
// (keyed transfers).
func (c *Coordinator) settle(ctx context.Context, it *itemState) {
	type payout struct {
		auditor string
		share   int64
	}

	it.mu.Lock()
	if it.cancelled || it.assignment == nil || !it.status().Terminal() {
		it.mu.Unlock()
		return
	}
	var due []payout
	for _, sl := range it.assignment.slots {
		if !sl.paid {
			due = append(due, payout{auditor: sl.auditor, share: sl.shareMinor})
		}
	}
	itemID := it.id
	it.mu.Unlock()

	for _, p := range due {
		err := c.Ledger.EscrowTransfer(ctx, itemID, p.auditor, p.share, transferKey(itemID, p.auditor, "payout"))

		it.mu.Lock()
		sl := it.findSlot(p.auditor)
		if sl == nil || sl.paid {
			it.mu.Unlock()
			continue
		}
		if err != nil {
			sl.payError = err.Error()
		} else {
			sl.paid = true
			sl.paidAt = c.now()
			sl.payError = ""
		}
		_ = c.persistSlotPayment(ctx, it, sl)
		it.mu.Unlock()

		detail, _ := json.Marshal(map[string]any{
			"item_id":     itemID,
			"auditor":     p.auditor,
			"share_minor": p.share,
		})
		if err != nil {
			c.appendAudit("settlement", "service", itemID, "settle_slot", detail, detail, audit.ResultError, err.Error())
			if c.Metrics != nil {
				c.Metrics.PayoutFailed()
			}
			continue
		}
		c.appendAudit("settlement", "service", itemID, "settle_slot", detail, detail, audit.ResultSuccess, "")
		if c.Metrics != nil {
			c.Metrics.PayoutPaid(p.share)
		}
	}
}

// RetrySettlementCommand re-drives value movement for an item that reached a
// terminal state with payments (or the cancellation refund) still pending.
// Safe to call at any frequency: already-paid slots are skipped.
type RetrySettlementCommand struct {
	ItemID string
}

func (c *Coordinator) RetrySettlement(ctx context.Context, cmd RetrySettlementCommand) (ItemView, error) {
	it, err := c.lookup(cmd.ItemID)
	if err != nil {
		c.observe("retry_settlement", err)
		return ItemView{}, err
	}

	it.mu.Lock()
	st := it.status()
	cancelled := it.cancelled
	refunded := it.refunded
	producer := it.producer
	refundMinor := it.feeMinor
	it.mu.Unlock()

	switch {
	case cancelled && !refunded:
		err := c.refund(ctx, it, producer, refundMinor)
		c.observe("retry_settlement", err)
		if err != nil {
			return ItemView{}, err
		}
	case cancelled:
		// Refund already landed; replay is a no-op, same as retrying a
		// fully paid-out item.
		c.observe("retry_settlement", nil)
	case st == StatusPassed || st == StatusFailed:
		c.settle(ctx, it)
		c.observe("retry_settlement", nil)
	default:
		err := fmt.Errorf("%w: nothing to settle while %s", ErrInvalidState, st)
		c.observe("retry_settlement", err)
		return ItemView{}, err
	}

	it.mu.Lock()
	view := it.view()
	it.mu.Unlock()
	return view, nil
}
