// Package connector implements the one transport SPEC_FULL.md allows the
// Engine itself to speak: a uniform HTTP webhook satisfying the
// ExternalSystem contract. The Stripe/HubSpot/Postgres/warehouse-specific
// logic behind each webhook is explicitly out of scope (§1) — this package
// only knows how to POST identifiers and parse a uniform receipt response.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/erasure-engine/engine/domain/identifiers"
	"github.com/erasure-engine/engine/domain/ports"
	"github.com/erasure-engine/engine/infrastructure/httputil"
)

// webhookRequest is the body POSTed to every configured system.
type webhookRequest struct {
	UserID  string   `json:"userId"`
	Emails  []string `json:"emails"`
	Phones  []string `json:"phones"`
	Aliases []string `json:"aliases"`
}

// webhookResponse is the uniform receipt shape read back out of whatever
// JSON the system behind the webhook returns. Read with gjson rather than
// a strict struct tag decode, since each connector is free to nest the
// three fields we care about among whatever else it returns.
type webhookResponse struct {
	Success bool
	Receipt string
	Error   string
}

func parseWebhookResponse(raw []byte) webhookResponse {
	parsed := gjson.ParseBytes(raw)
	return webhookResponse{
		Success: parsed.Get("success").Bool(),
		Receipt: parsed.Get("receipt").String(),
		Error:   parsed.Get("error").String(),
	}
}

// WebhookSystem implements ports.ExternalSystem by POSTing identifiers to a
// configured URL and parsing a uniform JSON receipt back. One instance
// handles one named system (policy.RequiredSystems/ParallelSystems entry).
type WebhookSystem struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookSystem builds a connector bound to name's endpoint. timeout
// governs the HTTP round trip only — the orchestrator applies its own
// policy.externalSystemTimeout on top via the request context.
func NewWebhookSystem(name, url string, timeout time.Duration) *WebhookSystem {
	return &WebhookSystem{
		name:   name,
		url:    url,
		client: httputil.CopyHTTPClientWithTimeout(nil, timeout, true),
	}
}

func (w *WebhookSystem) Name() string { return w.name }

// Delete implements ports.ExternalSystem.Delete (§4.4): idempotent by
// contract of whatever sits behind the webhook, not by this transport.
func (w *WebhookSystem) Delete(ctx context.Context, ids identifiers.UserIdentifiers) (ports.DeleteResult, error) {
	body, err := json.Marshal(webhookRequest{UserID: ids.UserID, Emails: ids.Emails, Phones: ids.Phones, Aliases: ids.Aliases})
	if err != nil {
		return ports.DeleteResult{}, fmt.Errorf("connector %s: encode request: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return ports.DeleteResult{}, fmt.Errorf("connector %s: build request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return ports.DeleteResult{Success: false, Err: err}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.DeleteResult{Success: false, Err: err}, nil
	}

	if resp.StatusCode >= 300 {
		return ports.DeleteResult{
			Success:     false,
			RawResponse: string(raw),
			Err:         fmt.Errorf("connector %s: unexpected status %d", w.name, resp.StatusCode),
		}, nil
	}

	if !gjson.ValidBytes(raw) {
		return ports.DeleteResult{Success: false, RawResponse: string(raw), Err: fmt.Errorf("connector %s: response is not valid JSON", w.name)}, nil
	}
	parsed := parseWebhookResponse(raw)

	result := ports.DeleteResult{Success: parsed.Success, Receipt: parsed.Receipt, RawResponse: string(raw)}
	if !parsed.Success {
		result.Err = fmt.Errorf("connector %s: %s", w.name, parsed.Error)
	}
	return result, nil
}
