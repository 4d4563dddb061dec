package domain

import "time"

type Tier string

const (
	TierFree      Tier = "free"
	TierPayPerUse Tier = "pay_per_use"
	TierUnlimited Tier = "unlimited"
)

func (t Tier) IsPaid() bool { return t == TierPayPerUse || t == TierUnlimited }

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPayPerUse, TierUnlimited:
		return true
	}
	return false
}

// Account is the billing state of an authenticated user.
type Account struct {
	UserID             string    `json:"userId"`
	Tier               Tier      `json:"tier"`
	SubscriptionStatus string    `json:"subscriptionStatus"`
	SubscriptionID     string    `json:"subscriptionId,omitempty"`
	CustomerID         string    `json:"customerId,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// QuotaDecision is the outcome of a research quota check.
type QuotaDecision struct {
	Allowed bool      `json:"allowed"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// Usage is reported to callers asking about their remaining research budget.
type Usage struct {
	Tier    Tier      `json:"tier"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}
