package server

import (
	"context"
	"fmt"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/ledger"
)

func (c *Coordinator) GetItem(_ context.Context, itemID string) (ItemView, error) {
	it, err := c.lookup(itemID)
	if err != nil {
		return ItemView{}, err
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.view(), nil
}

// ListItems iterates a snapshot of the id space taken at call time. Items
// created during iteration may or may not appear; every view returned is
// internally consistent because it is built under that item's lock.
func (c *Coordinator) ListItems(_ context.Context) []ItemView {
	return c.listWhere(func(ItemView) bool { return true })
}

// ListByProducer returns the items a producer listed, in creation order.
func (c *Coordinator) ListByProducer(_ context.Context, producer string) []ItemView {
	return c.listWhere(func(v ItemView) bool { return v.Producer == producer })
}

// ListByAuditor returns the items an auditor holds an assignment slot on.
func (c *Coordinator) ListByAuditor(_ context.Context, auditor string) []ItemView {
	return c.listWhere(func(v ItemView) bool {
		for _, sl := range v.Slots {
			if sl.Auditor == auditor {
				return true
			}
		}
		return false
	})
}

func (c *Coordinator) listWhere(keep func(ItemView) bool) []ItemView {
	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	out := make([]ItemView, 0, len(ids))
	for _, id := range ids {
		c.mu.Lock()
		it, ok := c.items[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		it.mu.Lock()
		v := it.view()
		it.mu.Unlock()
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// EscrowBalance reports the value still held for an item.
func (c *Coordinator) EscrowBalance(ctx context.Context, itemID string) (int64, error) {
	if _, err := c.lookup(itemID); err != nil {
		return 0, err
	}
	bal, err := c.Ledger.BalanceOf(ctx, ledger.EscrowAccount(itemID))
	if err != nil {
		return 0, fmt.Errorf("%w: balance query: %v", ErrLedgerFailure, err)
	}
	return bal, nil
}
