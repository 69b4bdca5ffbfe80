// Package handler contains the delivery handlers the engine ships with.
// Each one exposes a Handle method with the registry.Handler signature.
package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
)

const (
	HeaderEventID   = "X-Outbox-Event-Id"
	HeaderEventName = "X-Outbox-Event-Name"
	HeaderOrg       = "X-Outbox-Organization-Id"
	HeaderSignature = "X-Outbox-Signature"
)

// Webhook POSTs the event envelope to a fixed URL. Any non-2xx answer is a
// failure, so the dispatcher retries the event later.
type Webhook struct {
	name   string
	url    string
	secret []byte
	client *http.Client
	br     *Breaker
}

func NewWebhook(name, url, secret string, timeoutMs, failThreshold, openForMs int) *Webhook {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &Webhook{
		name:   name,
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (w *Webhook) Name() string { return w.name }
func (w *Webhook) Ready() bool  { return w.br.State() != BreakerOpen }

func (w *Webhook) Handle(ctx context.Context, rec model.Record) error {
	if err := w.br.Acquire(); err != nil {
		return fmt.Errorf("webhook=%s: %w", w.name, err)
	}

	err := w.post(ctx, rec)
	w.br.Release(err == nil)

	return err
}

func (w *Webhook) post(ctx context.Context, rec model.Record) error {
	b, err := json.Marshal(model.NewEnvelope(rec))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, rec.EventID)
	req.Header.Set(HeaderEventName, rec.EventName)
	req.Header.Set(HeaderOrg, rec.OrganizationID)
	if len(w.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(w.secret, b))
	}

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("webhook=%s status=%d", w.name, res.StatusCode)
	}

	return nil
}

// Sign returns the X-Outbox-Signature value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
