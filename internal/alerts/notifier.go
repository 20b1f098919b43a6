// Package alerts delivers operational alerts (halt transitions, state
// quarantines, unclosed positions) to a Slack-style webhook. Delivery is
// best-effort through a bounded queue with dedupe; trading never blocks on
// a slow webhook.
package alerts

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/observ"
)

// Severity of an operational alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational event worth a human's attention.
type Alert struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Detail   string    `json:"detail"`
	At       time.Time `json:"at"`
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Notifier queues alerts for webhook delivery. The queue is bounded; when
// full, the oldest alert is dropped and counted. Duplicate alerts within
// the dedupe window are suppressed.
type Notifier struct {
	cfg        config.Alerts
	httpClient *http.Client

	mu     sync.Mutex
	queue  []Alert
	dedupe map[string]time.Time
	wake   chan struct{}
	done   chan struct{}
}

func NewNotifier(cfg config.Alerts) *Notifier {
	n := &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dedupe:     map[string]time.Time{},
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go n.worker()
	return n
}

// Close stops the delivery worker. Queued alerts are abandoned.
func (n *Notifier) Close() {
	close(n.done)
}

// Notify enqueues an alert. Never blocks.
func (n *Notifier) Notify(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	observ.Log("alert", map[string]any{
		"severity": string(a.Severity), "title": a.Title, "detail": a.Detail,
	})
	observ.IncCounter("alerts_total", map[string]string{"severity": string(a.Severity)})

	if !n.cfg.SlackEnabled || n.cfg.WebhookURL == "" {
		return
	}

	key := dedupeKey(a)
	n.mu.Lock()
	if last, ok := n.dedupe[key]; ok && time.Since(last) < time.Minute {
		n.mu.Unlock()
		return
	}
	n.dedupe[key] = time.Now()
	if len(n.queue) >= n.cfg.BufferSize {
		n.queue = n.queue[1:]
		observ.IncCounter("alerts_queue_dropped_total", nil)
	}
	n.queue = append(n.queue, a)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// EscalateUnclosed satisfies the force-close escalation hook: unclosed
// positions after the retry budget become a critical alert listing them.
func (n *Notifier) EscalateUnclosed(date string, instruments []string, lastErr error) {
	detail := fmt.Sprintf("unclosed after retry budget: %s", strings.Join(instruments, ", "))
	if lastErr != nil {
		detail += fmt.Sprintf(" (last error: %v)", lastErr)
	}
	n.Notify(Alert{
		Severity: SeverityCritical,
		Title:    "forced close incomplete " + date,
		Detail:   detail,
	})
}

func dedupeKey(a Alert) string {
	h := sha256.Sum256([]byte(string(a.Severity) + ":" + a.Title + ":" + a.Detail))
	return fmt.Sprintf("%x", h)[:16]
}

func (n *Notifier) worker() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			a := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()
			n.deliver(a)
		}
	}
}

func (n *Notifier) deliver(a Alert) {
	msg := slackMessage{
		Channel: n.cfg.Channel,
		Text:    fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Title, a.Detail),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	resp, err := n.httpClient.Post(n.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		observ.IncCounter("alerts_webhook_errors_total", nil)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		observ.IncCounter("alerts_webhook_errors_total", nil)
	}
}
