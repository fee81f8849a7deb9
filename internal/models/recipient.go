package models

import (
	"time"
)

// Recipient is a contactable person synced from the practice-management
// side, the raw material campaign segments are resolved from.
type Recipient struct {
	ID          string     `json:"id"`
	Tenant      string     `json:"tenant"`
	Email       *string    `json:"email,omitempty"`
	Phone       *string    `json:"phone,omitempty"`
	Tags        []string   `json:"tags"`
	LastVisitAt *time.Time `json:"last_visit_at,omitempty"`
}

// ContactFor returns the address used by the given channel.
func (r Recipient) ContactFor(channel string) (string, bool) {
	switch channel {
	case ChannelEmail:
		if r.Email != nil && *r.Email != "" {
			return *r.Email, true
		}
	case ChannelSMS:
		if r.Phone != nil && *r.Phone != "" {
			return *r.Phone, true
		}
	}
	return "", false
}
