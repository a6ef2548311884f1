package disaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/forgevault/forgevault/internal/logger"
)

// Notification phases, in lifecycle order.
const (
	PhaseDetection        = "detection"
	PhaseRecoveryStart    = "recovery-start"
	PhaseRecoveryComplete = "recovery-complete"
	PhaseRecoveryFailure  = "recovery-failure"
)

// Alert is the notification payload sent on every disaster lifecycle
// transition.
type Alert struct {
	EventID   string    `json:"event_id"`
	Phase     string    `json:"phase"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification records one delivery attempt on the event's audit log.
type Notification struct {
	Notifier string    `json:"notifier"`
	Phase    string    `json:"phase"`
	SentAt   time.Time `json:"sent_at"`
	Error    string    `json:"error,omitempty"`
}

// Notifier delivers disaster alerts to one channel. Implementations
// must be safe for concurrent use.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// ============================================================================
// Webhook
// ============================================================================

// WebhookNotifier POSTs the alert as a JSON document to an HTTP
// endpoint. It covers generic receivers such as PagerDuty event
// bridges, Teams connectors, and internal alert routers.
type WebhookNotifier struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. name distinguishes
// multiple webhook targets in the notification log.
func NewWebhookNotifier(name, url string) *WebhookNotifier {
	return &WebhookNotifier{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return n.name }

// Send posts the alert. Any non-2xx response is an error.
func (n *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert to %s: %w", n.name, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", n.name, resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Slack
// ============================================================================

// SlackNotifier delivers alerts to a Slack incoming webhook with a
// severity-colored attachment.
type SlackNotifier struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlackNotifier creates a Slack notifier for the given incoming
// webhook URL. A non-empty channel overrides the webhook's default
// destination.
func NewSlackNotifier(url, channel string) *SlackNotifier {
	return &SlackNotifier{
		url:     url,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

// Send posts a formatted attachment to the webhook.
func (n *SlackNotifier) Send(ctx context.Context, alert Alert) error {
	msg := &slack.WebhookMessage{
		Username: "forgevault",
		Channel:  n.channel,
		Text:     fmt.Sprintf("Disaster %s: %s", alert.Phase, alert.Message),
		Attachments: []slack.Attachment{
			{
				Color: severityColor(alert.Severity),
				Title: fmt.Sprintf("%s (%s)", alert.Kind, alert.Severity),
				Fields: []slack.AttachmentField{
					{Title: "Event", Value: alert.EventID, Short: true},
					{Title: "Phase", Value: alert.Phase, Short: true},
				},
				Footer: alert.WorkerID,
				Ts:     json.Number(fmt.Sprintf("%d", alert.Timestamp.Unix())),
			},
		},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.url, n.client, msg); err != nil {
		return fmt.Errorf("posting slack alert: %w", err)
	}
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case "critical", "high":
		return "danger"
	case "medium":
		return "warning"
	default:
		return "good"
	}
}

// ============================================================================
// Fan-out
// ============================================================================

// broadcast sends the alert through every notifier, collecting one
// Notification record per attempt. Delivery failures are logged and
// recorded but never abort the caller.
func broadcast(ctx context.Context, notifiers []Notifier, alert Alert) []Notification {
	records := make([]Notification, 0, len(notifiers))
	for _, n := range notifiers {
		rec := Notification{
			Notifier: n.Name(),
			Phase:    alert.Phase,
			SentAt:   time.Now().UTC(),
		}
		if err := n.Send(ctx, alert); err != nil {
			rec.Error = err.Error()
			logger.Warn("Disaster notification failed",
				"notifier", n.Name(),
				"phase", alert.Phase,
				"event_id", alert.EventID,
				"error", err)
		}
		records = append(records, rec)
	}
	return records
}
