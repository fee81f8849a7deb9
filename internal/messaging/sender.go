// Package messaging delivers campaign step messages over a per-channel
// sender. Channel choice also determines which credit pool a send draws
// from, via models.CreditClassForChannel.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
)

// Message is one outbound communication to a single recipient.
type Message struct {
	Tenant    string
	Recipient string // email address or phone number, per channel
	Subject   string
	Body      string
}

// Sender delivers messages for one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) error
}

// Registry maps a campaign step channel to its sender.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register binds a sender to its channel.
func (r *Registry) Register(s Sender) {
	r.senders[s.Channel()] = s
}

// For returns the sender for a channel.
func (r *Registry) For(channel string) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", channel)
	}
	return s, nil
}

// LogSender writes messages to the log instead of delivering them, used in
// dev environments without provider credentials.
type LogSender struct {
	channel string
	log     *slog.Logger
}

// NewLogSender builds a log-only sender for a channel.
func NewLogSender(channel string, log *slog.Logger) *LogSender {
	return &LogSender{channel: channel, log: log}
}

func (s *LogSender) Channel() string {
	return s.channel
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info("message delivered (log sender)",
		"channel", s.channel, "tenant", msg.Tenant, "recipient", msg.Recipient, "subject", msg.Subject)
	return nil
}
