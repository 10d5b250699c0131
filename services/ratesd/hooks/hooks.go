// Package hooks delivers pause transitions to external systems.
package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/crypto"
	"ratecontrol/native/ratecontrol"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Payload is the JSON body posted on every pause edge.
type Payload struct {
	Entity    string `json:"entity"`
	Address   string `json:"address"`
	Paused    bool   `json:"paused"`
	Timestamp int64  `json:"timestamp"`
}

// Webhook posts pause transitions to an HTTP endpoint.
type Webhook struct {
	endpoint string
	secret   string
	client   *http.Client
	now      func() time.Time
}

// NewWebhook returns a hook targeting endpoint. A non-empty secret signs each
// body.
func NewWebhook(endpoint, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		endpoint: strings.TrimSpace(endpoint),
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

// OnPauseChanged implements ratecontrol.PauseHook.
func (w *Webhook) OnPauseChanged(ctx context.Context, entity common.Address, paused bool) error {
	payload, err := json.Marshal(Payload{
		Entity:    crypto.FormatIdentity(entity),
		Address:   strings.ToLower(entity.Hex()),
		Paused:    paused,
		Timestamp: w.now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, payload))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("hooks: deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hooks: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Logging records transitions in the service log.
type Logging struct {
	Logger *slog.Logger
}

// OnPauseChanged implements ratecontrol.PauseHook.
func (l Logging) OnPauseChanged(ctx context.Context, entity common.Address, paused bool) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "entity pause changed", slog.String("entity", crypto.FormatIdentity(entity)), slog.Bool("paused", paused))
	return nil
}

// Chain runs every hook in order and returns the first error after all of
// them ran.
type Chain []ratecontrol.PauseHook

// OnPauseChanged implements ratecontrol.PauseHook.
func (c Chain) OnPauseChanged(ctx context.Context, entity common.Address, paused bool) error {
	var first error
	for _, hook := range c {
		if hook == nil {
			continue
		}
		if err := hook.OnPauseChanged(ctx, entity, paused); err != nil && first == nil {
			first = err
		}
	}
	return first
}
