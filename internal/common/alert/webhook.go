package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier posts operational alerts to a webhook. A Notifier with an empty
// URL is valid and drops every message, so callers never need a nil check.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

type message struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Fields      []field   `json:"fields,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts one alert. Failures are returned, not retried; alerting is
// best-effort.
func (n *Notifier) Send(title, description string, fields map[string]interface{}) error {
	if n.webhookURL == "" {
		return nil
	}

	e := embed{
		Title:       title,
		Description: description,
		Color:       0xFF0000,
		Timestamp:   time.Now(),
	}
	for key, value := range fields {
		e.Fields = append(e.Fields, field{
			Name:   key,
			Value:  fmt.Sprintf("%v", value),
			Inline: true,
		})
	}

	payload, err := json.Marshal(message{Embeds: []embed{e}})
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("creating alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
