package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"outreach-engine/internal/models"
)

// HTTPSMSSender posts messages to an SMS gateway endpoint.
type HTTPSMSSender struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPSMSSender builds a sender for the configured gateway.
func NewHTTPSMSSender(url, apiKey string, timeout time.Duration) *HTTPSMSSender {
	return &HTTPSMSSender{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSMSSender) Channel() string {
	return models.ChannelSMS
}

type smsPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *HTTPSMSSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(smsPayload{To: msg.Recipient, Body: msg.Body})
	if err != nil {
		return fmt.Errorf("marshal sms payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}
