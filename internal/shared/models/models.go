package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Tier is an account's subscription tier.
type Tier string

const (
	TierFree      Tier = "free"
	TierBasic     Tier = "basic"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPro, TierUnlimited:
		return true
	}
	return false
}

// Account is a billable identity holding a token balance. It is only
// mutated through the ledger.
type Account struct {
	ID            string
	Email         string
	Balance       int64
	Tier          Tier
	Credentials   []Credential
	CreatedAt     time.Time
	TierUpdatedAt *time.Time
	// Version increments on every committed mutation and backs the
	// store's optimistic concurrency check.
	Version int64
}

// Clone returns a deep copy, so transaction callbacks can mutate freely.
func (a *Account) Clone() *Account {
	c := *a
	c.Credentials = append([]Credential(nil), a.Credentials...)
	if a.TierUpdatedAt != nil {
		t := *a.TierUpdatedAt
		c.TierUpdatedAt = &t
	}
	return &c
}

// HasCredential reports whether the credential hash belongs to the account.
func (a *Account) HasCredential(hash string) bool {
	for _, c := range a.Credentials {
		if c.Hash == hash {
			return true
		}
	}
	return false
}

// Credential is an API key bound to one account. Only the SHA-256 hash of
// the raw key is stored.
type Credential struct {
	Hash      string
	Prefix    string
	CreatedAt time.Time
}

// HashCredential returns the index key for a raw credential.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CredentialPrefix is the display/audit form of a raw credential.
func CredentialPrefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8]
}

// UsageRecord is the immutable audit entry for one metered call.
type UsageRecord struct {
	ID              string
	AccountID       string
	CredentialID    string
	Model           string
	Cost            int64
	RequestExcerpt  string
	ResponseExcerpt string
	LatencyMs       int64
	CreatedAt       time.Time
}

// Payment event types as delivered by the processor.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// Payment statuses kept in the payment history.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// PaymentEvent is a processor notification as applied to the ledger. EventID
// is the idempotency key.
type PaymentEvent struct {
	EventID       string
	Type          string
	Status        string
	AccountID     string
	PlanID        string
	Amount        int64
	IntentID      string
	TokensGranted int64
	Error         string
	CreatedAt     time.Time
}

// CreditReason says where credited tokens came from.
type CreditReason string

const (
	CreditSignup  CreditReason = "signup"
	CreditPayment CreditReason = "payment"
	CreditRefund  CreditReason = "refund"
	CreditManual  CreditReason = "manual"
)

// CreditEntry is one append-only row of an account's credit history. It is
// written in the same commit as the balance change it describes.
type CreditEntry struct {
	ID        string
	AccountID string
	Amount    int64
	Reason    CreditReason
	// Reference links the entry to its cause, e.g. the payment event id.
	Reference string
	CreatedAt time.Time
}

// SubscriptionPlan is a static catalog entry. A nil Tokens grant is the
// unlimited sentinel.
type SubscriptionPlan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tokens      *int64 `json:"tokens"`
	PriceCents  int64  `json:"price"`
	Description string `json:"description"`
	Tier        Tier   `json:"tier"`
}

// AccountUsage aggregates an account's usage over a summary period.
type AccountUsage struct {
	TotalTokens  int64            `json:"totalTokens"`
	RequestCount int64            `json:"requestCount"`
	ModelUsage   map[string]int64 `json:"modelUsage"`
}

// UsageSummary is the periodic per-account usage rollup.
type UsageSummary struct {
	ID          string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Accounts    map[string]*AccountUsage
	CreatedAt   time.Time
}
