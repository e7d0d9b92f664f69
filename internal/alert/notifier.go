// Package alert routes non-fatal errors to the log and, outside
// development, to a Discord webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier posts messages to a Discord webhook, prefixed with the node
// environment. A nil Notifier is valid and logs only.
type Notifier struct {
	webhookURL string
	env        string
	http       *http.Client
}

// New builds a Notifier. In development mode messages are logged but not
// posted.
func New(webhookURL, env string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		env:        env,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Errorf logs an error and forwards it to the webhook. Delivery is
// best-effort; a failed post is logged and dropped.
func (n *Notifier) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)
	n.post(msg)
}

// Notify forwards an informational message to the webhook without
// logging it as an error.
func (n *Notifier) Notify(msg string) {
	log.Print(msg)
	n.post(msg)
}

func (n *Notifier) post(msg string) {
	if n == nil || n.webhookURL == "" || n.env == "development" {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"content": n.env + ": " + msg,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		log.Printf("[alert] webhook post failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[alert] webhook post status: %s", resp.Status)
	}
}
