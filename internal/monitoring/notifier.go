package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// digest is the webhook body: every alert raised by one check.
type digest struct {
	Service string  `json:"service"`
	Count   int     `json:"count"`
	Alerts  []Alert `json:"alerts"`
}

// Notifier posts alert digests to a webhook.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier returns a Notifier for url. An empty url disables delivery.
func NewNotifier(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// Notify delivers alerts as a single digest.
func (n *Notifier) Notify(ctx context.Context, alerts []Alert) error {
	if !n.Enabled() || len(alerts) == 0 {
		return nil
	}
	body, err := json.Marshal(digest{Service: "catalog-enricher", Count: len(alerts), Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: encode digest")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post digest")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return eris.Errorf("monitoring: webhook answered %s", resp.Status)
	}
	return nil
}
