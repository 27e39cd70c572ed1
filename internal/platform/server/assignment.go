package server

import (
	"context"
	"fmt"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/audit"
)

// AssignCommand turns the enrollment pool into the binding auditor panel.
// Producer only, exactly once per item.
type AssignCommand struct {
	ItemID      string
	RequestedBy string
}

func (c *Coordinator) Assign(ctx context.Context, cmd AssignCommand) (ItemView, error) {
	it, err := c.lookup(cmd.ItemID)
	if err != nil {
		c.observe("assign", err)
		return ItemView{}, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	deny := func(err error, reason string) (ItemView, error) {
		c.auditDenied(cmd.RequestedBy, "producer", cmd.ItemID, "assign", reason)
		c.observe("assign", err)
		return ItemView{}, err
	}

	if it.cancelled {
		return deny(fmt.Errorf("%w", ErrItemCancelled), "item cancelled")
	}
	if cmd.RequestedBy != it.producer {
		return deny(fmt.Errorf("%w: only the producer may assign", ErrUnauthorized), "caller is not the producer")
	}
	if it.assignment != nil {
		return deny(fmt.Errorf("%w", ErrAlreadyAssigned), "assignment exists")
	}
	if len(it.enrolled) == 0 {
		return deny(fmt.Errorf("%w", ErrInsufficientAuditors), "empty enrollment pool")
	}

	// First-come-first-served selection keeps assignment deterministic and
	// auditable. A pool smaller than the requirement yields a reduced panel
	// rather than blocking the item.
	count := it.requiredAuditors
	if len(it.enrolled) < count {
		count = len(it.enrolled)
	}
	selected := it.enrolled[:count]
	shares := apportion(it.feeMinor, count)

	before := it.snapshotJSON()
	asg := &assignment{createdAt: c.now()}
	for i, auditor := range selected {
		asg.slots = append(asg.slots, &slot{auditor: auditor, shareMinor: shares[i]})
	}
	it.assignment = asg
	if err := c.persistAssignment(ctx, it); err != nil {
		it.assignment = nil
		c.observe("assign", err)
		return ItemView{}, err
	}

	c.appendAudit(cmd.RequestedBy, "producer", cmd.ItemID, "assign", before, it.snapshotJSON(), audit.ResultSuccess, "")
	c.observe("assign", nil)
	return it.view(), nil
}

// apportion splits totalMinor into n shares using largest-remainder
// apportionment: every share gets the floor quota and the remainder goes one
// minor unit at a time to the earliest slots, so the shares always sum to
// totalMinor exactly.
func apportion(totalMinor int64, n int) []int64 {
	shares := make([]int64, n)
	if n == 0 {
		return shares
	}
	base := totalMinor / int64(n)
	rem := totalMinor % int64(n)
	for i := range shares {
		shares[i] = base
		if int64(i) < rem {
			shares[i]++
		}
	}
	return shares
}
