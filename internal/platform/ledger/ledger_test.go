package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/clock"
)

func newTestLedger() *InMemory {
	return NewInMemory(clock.Fixed{Instant: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})
}

func TestEscrowDepositAndTransfer(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.EscrowDeposit(ctx, "item-1", "producer-1", 300, "item-1|escrow"))

	bal, err := l.BalanceOf(ctx, EscrowAccount("item-1"))
	require.NoError(t, err)
	require.EqualValues(t, 300, bal)

	prod, err := l.BalanceOf(ctx, "producer-1")
	require.NoError(t, err)
	require.EqualValues(t, -300, prod, "producer funding account carries the debit leg")

	require.NoError(t, l.EscrowTransfer(ctx, "item-1", "auditor-a", 150, "item-1|auditor-a|payout"))
	require.NoError(t, l.EscrowTransfer(ctx, "item-1", "auditor-b", 150, "item-1|auditor-b|payout"))

	bal, err = l.BalanceOf(ctx, EscrowAccount("item-1"))
	require.NoError(t, err)
	require.Zero(t, bal, "escrow fully disbursed")

	got, err := l.BalanceOf(ctx, "auditor-a")
	require.NoError(t, err)
	require.EqualValues(t, 150, got)
}

func TestEscrowTransferOverdrawRejected(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.EscrowDeposit(ctx, "item-1", "producer-1", 100, "item-1|escrow"))
	err := l.EscrowTransfer(ctx, "item-1", "auditor-a", 101, "item-1|auditor-a|payout")
	require.ErrorIs(t, err, ErrInsufficientEscrow)

	bal, err := l.BalanceOf(ctx, EscrowAccount("item-1"))
	require.NoError(t, err)
	require.EqualValues(t, 100, bal, "failed transfer must not move value")
}

func TestTransferKeyReplayIsNoop(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.EscrowDeposit(ctx, "item-1", "producer-1", 200, "item-1|escrow"))
	require.NoError(t, l.EscrowTransfer(ctx, "item-1", "auditor-a", 200, "item-1|auditor-a|payout"))
	require.NoError(t, l.EscrowTransfer(ctx, "item-1", "auditor-a", 200, "item-1|auditor-a|payout"))

	got, err := l.BalanceOf(ctx, "auditor-a")
	require.NoError(t, err)
	require.EqualValues(t, 200, got, "replayed key must not double-pay")
}

func TestTransferFaultLeavesStateUntouched(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.EscrowDeposit(ctx, "item-1", "producer-1", 200, "item-1|escrow"))
	l.SetTransferFault("auditor-a", ErrTransferRejected)

	err := l.EscrowTransfer(ctx, "item-1", "auditor-a", 100, "item-1|auditor-a|payout")
	require.ErrorIs(t, err, ErrTransferRejected)

	_, applied := l.Postings("item-1|auditor-a|payout")
	require.False(t, applied)

	// Fault is one-shot; the retry with the same key succeeds.
	require.NoError(t, l.EscrowTransfer(ctx, "item-1", "auditor-a", 100, "item-1|auditor-a|payout"))
	got, err := l.BalanceOf(ctx, "auditor-a")
	require.NoError(t, err)
	require.EqualValues(t, 100, got)
}

func TestPostingsBalanced(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.EscrowDeposit(ctx, "item-1", "producer-1", 250, "item-1|escrow"))
	ps, ok := l.Postings("item-1|escrow")
	require.True(t, ok)
	require.Len(t, ps, 2)

	var total int64
	for _, p := range ps {
		if p.Direction == "credit" {
			total += p.AmountMinor
		} else {
			total -= p.AmountMinor
		}
	}
	require.Zero(t, total)
}
