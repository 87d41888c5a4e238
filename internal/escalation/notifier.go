// Package escalation delivers alerts when a call's risk crosses the
// configured threshold. Delivery is best-effort: an unreachable supervisor
// never interrupts the call itself.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/05kashyap/intellicare/internal/metrics"
	"github.com/05kashyap/intellicare/internal/telephony"
)

// Notifier is an escalation delivery channel.
type Notifier interface {
	Notify(ctx context.Context, callID string, score float64, category string) error
}

// VoiceAlert dials each supervisor contact and speaks the alert.
type VoiceAlert struct {
	client   *telephony.RESTClient
	from     string
	contacts []string
}

// NewVoiceAlert creates a voice escalation channel dialing out from the given
// caller id.
func NewVoiceAlert(client *telephony.RESTClient, from string, contacts []string) *VoiceAlert {
	return &VoiceAlert{client: client, from: from, contacts: contacts}
}

func (v *VoiceAlert) Notify(ctx context.Context, callID string, score float64, category string) error {
	message := fmt.Sprintf(
		"Urgent alert from the support line. A caller requires immediate attention. Risk category %s, score %.2f. Call reference %s.",
		category, score, callID)
	var firstErr error
	for _, contact := range v.contacts {
		if err := v.client.PlaceAlertCall(ctx, contact, v.from, message); err != nil {
			slog.Error("voice alert failed", "contact", contact, "call_id", callID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Webhook posts the alert as JSON to an external endpoint.
type Webhook struct {
	http *http.Client
	url  string
}

// NewWebhook creates a webhook escalation channel.
func NewWebhook(url string) *Webhook {
	return &Webhook{http: &http.Client{Timeout: 10 * time.Second}, url: url}
}

func (w *Webhook) Notify(ctx context.Context, callID string, score float64, category string) error {
	payload, err := json.Marshal(map[string]any{
		"call_id":  callID,
		"score":    score,
		"category": category,
		"at":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: status %d", resp.StatusCode)
	}
	return nil
}

// Fanout sends the alert through every configured channel.
type Fanout struct {
	channels []Notifier
}

// NewFanout combines notifiers; nil entries are skipped.
func NewFanout(channels ...Notifier) *Fanout {
	var active []Notifier
	for _, ch := range channels {
		if ch != nil {
			active = append(active, ch)
		}
	}
	return &Fanout{channels: active}
}

func (f *Fanout) Notify(ctx context.Context, callID string, score float64, category string) error {
	metrics.Escalations.Inc()
	var firstErr error
	for _, ch := range f.channels {
		if err := ch.Notify(ctx, callID, score, category); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
