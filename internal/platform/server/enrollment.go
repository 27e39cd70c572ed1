package server

import (
	"context"
	"fmt"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/audit"
)

// EnrollCommand volunteers an auditor for an item. Non-binding until the
// producer assigns; arrival order is preserved and is authoritative for
// selection.
type EnrollCommand struct {
	ItemID  string
	Auditor string
}

func (c *Coordinator) Enroll(ctx context.Context, cmd EnrollCommand) (ItemView, error) {
	it, err := c.lookup(cmd.ItemID)
	if err != nil {
		c.observe("enroll", err)
		return ItemView{}, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	deny := func(err error, reason string) (ItemView, error) {
		c.auditDenied(cmd.Auditor, "auditor", cmd.ItemID, "enroll", reason)
		c.observe("enroll", err)
		return ItemView{}, err
	}

	if it.cancelled {
		return deny(fmt.Errorf("%w", ErrItemCancelled), "item cancelled")
	}
	if it.assignment != nil {
		return deny(fmt.Errorf("%w: auditors already assigned", ErrEnrollmentClosed), "enrollment closed")
	}
	if cmd.Auditor == it.producer {
		return deny(fmt.Errorf("%w", ErrSelfEnrollment), "self enrollment forbidden")
	}
	for _, a := range it.enrolled {
		if a == cmd.Auditor {
			return deny(fmt.Errorf("%w: %s", ErrAlreadyEnrolled, cmd.Auditor), "duplicate enrollment")
		}
	}

	before := it.snapshotJSON()
	it.enrolled = append(it.enrolled, cmd.Auditor)
	if err := c.persistEnrollment(ctx, it, cmd.Auditor, len(it.enrolled)-1); err != nil {
		it.enrolled = it.enrolled[:len(it.enrolled)-1]
		c.observe("enroll", err)
		return ItemView{}, err
	}

	c.appendAudit(cmd.Auditor, "auditor", cmd.ItemID, "enroll", before, it.snapshotJSON(), audit.ResultSuccess, "")
	c.observe("enroll", nil)
	return it.view(), nil
}
