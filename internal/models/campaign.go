package models

import (
	"time"
)

// Campaign lifecycle states.
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

// Recipient progress states.
const (
	RecipientActive    = "active"
	RecipientCompleted = "completed"
	RecipientSkipped   = "skipped"
)

// Messaging channels a campaign step can use.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Fallback conditions evaluated before a step fires.
const (
	FallbackNoOpen  = "no_open"
	FallbackNoReply = "no_reply"
)

// CampaignStep is one timed action in a campaign sequence. DelaySeconds is
// measured from the previous step's send for each recipient individually.
type CampaignStep struct {
	Channel           string `json:"channel"`
	DelaySeconds      int64  `json:"delay_seconds"`
	FallbackCondition string `json:"fallback_condition,omitempty"`
	MessageTemplate   string `json:"message_template"`
}

// Delay returns the step delay as a duration.
func (s CampaignStep) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// Campaign is a multi-step outbound messaging sequence scoped to a tenant.
type Campaign struct {
	ID              string         `json:"id"`
	Tenant          string         `json:"tenant"`
	Name            string         `json:"name"`
	Steps           []CampaignStep `json:"steps"`
	SegmentCriteria map[string]any `json:"segment_criteria"`
	Status          string         `json:"status"`
	PausedReason    *string        `json:"paused_reason,omitempty"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
	TotalRecipients int            `json:"total_recipients"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RecipientProgress is the durable per-recipient cursor through a campaign's
// steps. The worker never holds this state only in memory, which is what makes
// a crashed batch resumable.
type RecipientProgress struct {
	CampaignID   string    `json:"campaign_id"`
	RecipientID  string    `json:"recipient_id"`
	StepIndex    int       `json:"current_step_index"`
	NextActionAt time.Time `json:"next_action_at"`
	Status       string    `json:"status"`
}

// SendRecord is one outbound message delivered (or attempted) for a campaign
// step. Engagement timestamps back the fallback_condition checks.
type SendRecord struct {
	ID          string     `json:"id"`
	Tenant      string     `json:"tenant"`
	CampaignID  string     `json:"campaign_id"`
	RecipientID string     `json:"recipient_id"`
	StepIndex   int        `json:"step_index"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	SentAt      time.Time  `json:"sent_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	RepliedAt   *time.Time `json:"replied_at,omitempty"`
}
