package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// WebhookChannel is the contact channel for HTTP webhooks.
const WebhookChannel = "webhook"

// Webhook posts alerts as JSON to the contact's URL.
type Webhook struct {
	headers map[string]string
	timeout time.Duration
}

func NewWebhook(headers map[string]string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{headers: headers, timeout: timeout}
}

func (w *Webhook) Channel() string { return WebhookChannel }

type webhookBody struct {
	Event          string `json:"event"`
	MedicationName string `json:"medicationName"`
	ScheduledTime  string `json:"scheduledTime"`
	ContactName    string `json:"contactName,omitempty"`
	PatientName    string `json:"patientName,omitempty"`
	Text           string `json:"text"`
}

func (w *Webhook) Send(ctx context.Context, address string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := w.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	agent := fiber.Post(address)
	for k, v := range w.headers {
		agent.Set(k, v)
	}
	agent.JSON(webhookBody{
		Event:          "dose.missed",
		MedicationName: msg.MedicationName,
		ScheduledTime:  msg.ScheduledTime,
		ContactName:    msg.ContactName,
		PatientName:    msg.PatientName,
		Text:           msg.Text,
	}).Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("webhook request failed: %w", errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", code, truncate(string(body), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
