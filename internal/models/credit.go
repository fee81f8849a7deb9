package models

import (
	"time"
)

// ResourceClass identifies a consumable per-tenant credit pool. The set is
// fixed; adding a class is a schema change, not a caller change.
type ResourceClass string

const (
	ClassAIPremium ResourceClass = "ai_premium"
	ClassAICheap   ResourceClass = "ai_cheap"
	ClassEmail     ResourceClass = "reactivation_emails"
	ClassSMS       ResourceClass = "reactivation_sms"
)

// AllResourceClasses lists every known class, used when seeding a tenant.
var AllResourceClasses = []ResourceClass{ClassAIPremium, ClassAICheap, ClassEmail, ClassSMS}

// CreditClassForChannel maps a campaign step channel to the credit pool it
// draws from.
func CreditClassForChannel(channel string) (ResourceClass, bool) {
	switch channel {
	case ChannelEmail:
		return ClassEmail, true
	case ChannelSMS:
		return ClassSMS, true
	default:
		return "", false
	}
}

// CreditBalance is the current amount remaining for one (tenant, class) pair.
// Mutated only through the ledger's transactional paths.
type CreditBalance struct {
	Tenant    string        `json:"tenant"`
	Class     ResourceClass `json:"resource_class"`
	Amount    int64         `json:"amount"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// UsageLogEntry is the append-only audit record for every credit decrement.
type UsageLogEntry struct {
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Actor     string         `json:"actor"`
	Class     ResourceClass  `json:"resource_class"`
	Amount    int64          `json:"amount"`
	RelatedID string         `json:"related_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
