package settlement

import (
	votedomain "commitment-escrow/backend/internal/vote/domain"
)

// ErrorKind classifies why a single hold was not settled.
type ErrorKind string

const (
	// ErrorGateway means the escrow provider refused or failed the capture or cancel; the entry stays held.
	ErrorGateway ErrorKind = "gateway"
	// ErrorLedger means the hold was settled at the provider but the ledger entry could not be marked.
	ErrorLedger ErrorKind = "ledger"
)

// Result is the outcome for one held entry.
type Result struct {
	TransactionID string    `json:"transactionId"`
	IntentID      string    `json:"escrowIntentId"`
	Amount        int64     `json:"amount"`
	Settled       bool      `json:"settled"`
	ErrorKind     ErrorKind `json:"errorKind,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// BatchResult reports a finalize or reconcile run. Processed counts every entry attempted,
// including those that failed; failures never abort their siblings.
type BatchResult struct {
	ChallengeID string           `json:"challengeId"`
	Outcome     votedomain.Value `json:"outcome"`
	PassCount   int              `json:"passCount"`
	FailCount   int              `json:"failCount"`
	Processed   int              `json:"processed"`
	Results     []Result         `json:"results"`
}

// Failed returns the entries that were not settled.
func (b *BatchResult) Failed() []Result {
	var out []Result
	for _, r := range b.Results {
		if !r.Settled {
			out = append(out, r)
		}
	}
	return out
}

// Complete reports whether every attempted entry was settled.
func (b *BatchResult) Complete() bool {
	return len(b.Failed()) == 0
}
