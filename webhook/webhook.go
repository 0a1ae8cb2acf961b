// Package webhook delivers task-completion notifications to caller-supplied
// callback URLs, signing each body with HMAC-SHA256 so receivers can verify
// authenticity. Delivery failures are retried a few times and then logged;
// they never feed back into task state.
package webhook

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
	"strconv"
	"time"

	"github.com/hazyhaar/extraq/task"
	"github.com/hazyhaar/extraq/urlcheck"
)

// Header names receivers check when verifying a delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Sign computes the hex HMAC-SHA256 of "<ts>.<body>" with the shared secret.
// Signing the timestamp alongside the body prevents replays.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret string, ts int64, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

// Payload is the JSON body POSTed to the callback URL.
type Payload struct {
	TaskID string       `json:"task_id"`
	Status task.Status  `json:"status"`
	Result *task.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Options tunes the dispatcher. Zero values pick the defaults.
type Options struct {
	// Secret signs every delivery. Empty disables signing.
	Secret string
	// Attempts is the total number of delivery tries. Default 4.
	Attempts int
	// BaseDelay seeds the exponential backoff between tries. Default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default 10s.
	MaxDelay time.Duration
	// AttemptTimeout bounds each individual POST. Default 10s.
	AttemptTimeout time.Duration
	// Client overrides the HTTP client.
	Client *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Attempts <= 0 {
		o.Attempts = 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.AttemptTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher posts signed payloads to callback URLs.
type Dispatcher struct {
	opts      Options
	validator *urlcheck.Validator
	now       func() time.Time
}

// NewDispatcher builds a dispatcher. The validator blocks callback URLs
// that point into private address space.
func NewDispatcher(v *urlcheck.Validator, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{opts: opts, validator: v, now: time.Now}
}

// Deliver POSTs payload to cb.URL, retrying with exponential backoff. The
// returned error reports exhaustion for the caller's log line; task state
// must not depend on it.
func (d *Dispatcher) Deliver(ctx context.Context, cb task.Callback, payload Payload) error {
	log := d.opts.Logger.With("task_id", payload.TaskID, "url", cb.URL)

	if err := d.validator.Validate(ctx, cb.URL, "callback_url"); err != nil {
		log.Error("webhook: callback url blocked", "error", err)
		return fmt.Errorf("validate callback url: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		if attempt > 1 {
			delay := d.opts.BaseDelay << (attempt - 2)
			if delay > d.opts.MaxDelay {
				delay = d.opts.MaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := d.post(ctx, cb, body); err != nil {
			lastErr = err
			log.Warn("webhook: delivery attempt failed", "attempt", attempt, "error", err)
			continue
		}
		log.Info("webhook: delivered", "attempt", attempt, "status", payload.Status)
		return nil
	}

	log.Error("webhook: delivery exhausted", "attempts", d.opts.Attempts, "error", lastErr)
	return fmt.Errorf("webhook delivery to %s exhausted after %d attempts: %w", cb.URL, d.opts.Attempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, cb task.Callback, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cb.Headers {
		req.Header.Set(k, v)
	}
	ts := d.now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if d.opts.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.opts.Secret, ts, body))
	}

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
