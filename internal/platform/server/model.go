package server

import (
	"encoding/json"
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusCancelled
}

type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
)

// itemState owns everything about one audit item: the immutable creation
// facts, the enrollment pool, the assignment with its slots, and the
// cancellation flag. Its mutex is the per-item exclusive section; operations
// on different items never contend.
type itemState struct {
	mu sync.Mutex

	id               string
	producer         string
	feeMinor         int64
	listingFeeMinor  int64
	currency         string
	requiredAuditors int
	metadataURI      string
	createdAt        time.Time

	cancelled   bool
	cancelledAt time.Time
	refunded    bool
	refundError string

	enrolled   []string
	assignment *assignment
}

type assignment struct {
	createdAt time.Time
	slots     []*slot
}

type slot struct {
	auditor     string
	shareMinor  int64
	verdict     Verdict
	resultURI   string
	submittedAt time.Time
	paid        bool
	paidAt      time.Time
	payError    string
}

// status derives the lifecycle state from the facts. It is never stored;
// the cancelled flag is the only transitional marker kept alongside the
// registries. Caller holds the item lock.
func (it *itemState) status() Status {
	if it.cancelled {
		return StatusCancelled
	}
	if it.assignment == nil {
		return StatusPending
	}
	outcome := StatusPassed
	for _, sl := range it.assignment.slots {
		if sl.verdict == "" {
			return StatusInProgress
		}
		if sl.verdict == VerdictFailed {
			outcome = StatusFailed
		}
	}
	return outcome
}

func (it *itemState) findSlot(auditor string) *slot {
	if it.assignment == nil {
		return nil
	}
	for _, sl := range it.assignment.slots {
		if sl.auditor == auditor {
			return sl
		}
	}
	return nil
}

// SlotView is the read-only slot snapshot exposed to callers.
type SlotView struct {
	Auditor     string    `json:"auditor"`
	ShareMinor  int64     `json:"share_minor"`
	Verdict     Verdict   `json:"verdict,omitempty"`
	ResultURI   string    `json:"result_uri,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	Paid        bool      `json:"paid"`
	PaidAt      time.Time `json:"paid_at,omitzero"`
	PayError    string    `json:"pay_error,omitempty"`
}

// ItemView is an immutable snapshot of an audit item. No caller ever sees a
// partially constructed item: views are built under the item lock.
type ItemView struct {
	ID               string    `json:"id"`
	Producer         string    `json:"producer"`
	FeeMinor         int64     `json:"fee_minor"`
	ListingFeeMinor  int64     `json:"listing_fee_minor"`
	Currency         string    `json:"currency"`
	RequiredAuditors int       `json:"required_auditors"`
	MetadataURI      string    `json:"metadata_uri,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	CancelledAt      time.Time `json:"cancelled_at,omitzero"`
	Refunded         bool      `json:"refunded,omitempty"`
	Enrolled         []string  `json:"enrolled,omitempty"`
	Slots            []SlotView `json:"slots,omitempty"`
}

// view builds the snapshot. Caller holds the item lock.
func (it *itemState) view() ItemView {
	v := ItemView{
		ID:               it.id,
		Producer:         it.producer,
		FeeMinor:         it.feeMinor,
		ListingFeeMinor:  it.listingFeeMinor,
		Currency:         it.currency,
		RequiredAuditors: it.requiredAuditors,
		MetadataURI:      it.metadataURI,
		Status:           it.status(),
		CreatedAt:        it.createdAt,
		CancelledAt:      it.cancelledAt,
		Refunded:         it.refunded,
		Enrolled:         append([]string(nil), it.enrolled...),
	}
	if it.assignment != nil {
		v.Slots = make([]SlotView, 0, len(it.assignment.slots))
		for _, sl := range it.assignment.slots {
			v.Slots = append(v.Slots, SlotView{
				Auditor:     sl.auditor,
				ShareMinor:  sl.shareMinor,
				Verdict:     sl.verdict,
				ResultURI:   sl.resultURI,
				SubmittedAt: sl.submittedAt,
				Paid:        sl.paid,
				PaidAt:      sl.paidAt,
				PayError:    sl.payError,
			})
		}
	}
	return v
}

// snapshotJSON is the audit-trail form of the item, used for before/after
// object snapshots on trail events.
func (it *itemState) snapshotJSON() []byte {
	payload := map[string]any{
		"item_id":           it.id,
		"producer":          it.producer,
		"fee_minor":         it.feeMinor,
		"required_auditors": it.requiredAuditors,
		"status":            string(it.status()),
		"enrolled":          len(it.enrolled),
		"assigned":          it.assignment != nil,
	}
	b, _ := json.Marshal(payload)
	return b
}
