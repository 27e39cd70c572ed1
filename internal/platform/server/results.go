package server

import (
	"context"
	"fmt"
	"time"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/audit"
)

// SubmitResultCommand records one verdict for one assignment slot. The
// submitting auditor must hold the slot; a slot accepts exactly one result.
type SubmitResultCommand struct {
	ItemID    string
	Auditor   string
	Verdict   Verdict
	ResultURI string
}

func (c *Coordinator) SubmitResult(ctx context.Context, cmd SubmitResultCommand) (ItemView, error) {
	if cmd.Verdict != VerdictPassed && cmd.Verdict != VerdictFailed {
		err := fmt.Errorf("%w: verdict must be passed or failed", ErrInvalidInput)
		c.observe("submit_result", err)
		return ItemView{}, err
	}
	it, err := c.lookup(cmd.ItemID)
	if err != nil {
		c.observe("submit_result", err)
		return ItemView{}, err
	}

	it.mu.Lock()

	deny := func(err error, reason string) (ItemView, error) {
		it.mu.Unlock()
		c.auditDenied(cmd.Auditor, "auditor", cmd.ItemID, "submit_result", reason)
		c.observe("submit_result", err)
		return ItemView{}, err
	}

	if it.cancelled {
		return deny(fmt.Errorf("%w", ErrItemCancelled), "item cancelled")
	}
	if it.assignment == nil {
		return deny(fmt.Errorf("%w", ErrNotAssigned), "item still pending")
	}
	sl := it.findSlot(cmd.Auditor)
	if sl == nil {
		return deny(fmt.Errorf("%w: %s holds no slot", ErrUnauthorized, cmd.Auditor), "auditor not assigned")
	}
	if sl.verdict != "" {
		return deny(fmt.Errorf("%w: %s", ErrDuplicateResult, cmd.Auditor), "slot already has a result")
	}

	before := it.snapshotJSON()
	sl.verdict = cmd.Verdict
	sl.resultURI = cmd.ResultURI
	sl.submittedAt = c.now()
	if err := c.persistResult(ctx, it, sl); err != nil {
		sl.verdict = ""
		sl.resultURI = ""
		sl.submittedAt = time.Time{}
		it.mu.Unlock()
		c.observe("submit_result", err)
		return ItemView{}, err
	}
	after := it.snapshotJSON()
	final := it.status().Terminal()
	it.mu.Unlock()

	c.appendAudit(cmd.Auditor, "auditor", cmd.ItemID, "submit_result", before, after, audit.ResultSuccess, "")
	c.observe("submit_result", nil)

	// The last result triggers settlement. Per-slot payment failures are
	// recorded for retry and never unwind the recorded outcome.
	if final {
		c.settle(ctx, it)
		if c.Metrics != nil {
			c.Metrics.ItemClosed()
		}
	}

	it.mu.Lock()
	view := it.view()
	it.mu.Unlock()
	return view, nil
}
