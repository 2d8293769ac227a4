package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"rewardkit/core"
	"rewardkit/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Rewardkit-Signature"

// Sink posts domain events to configured HTTP endpoints.
// It is synchronous; register it on an async EventBus to keep publishers fast.
type Sink struct {
	client     *http.Client
	endpoints  []string
	secret     []byte
	types      map[core.EventType]struct{}
	maxRetries uint64
	log        *zerolog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithSecret signs every body with HMAC-SHA256.
func WithSecret(secret string) Option {
	return func(s *Sink) { s.secret = []byte(secret) }
}

// WithEventTypes restricts delivery to the given types.
func WithEventTypes(types ...core.EventType) Option {
	return func(s *Sink) {
		s.types = make(map[core.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// WithMaxRetries sets retries per endpoint after the first attempt.
func WithMaxRetries(n uint64) Option {
	return func(s *Sink) { s.maxRetries = n }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client:     &http.Client{Timeout: 2 * time.Second},
		maxRetries: 2,
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Wants reports whether the sink delivers events of typ.
func (s *Sink) Wants(typ core.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// OnEvent matches the EventBus handler signature. Failures are logged.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if err := s.Deliver(ctx, e); err != nil {
		logging.FromContextOr(ctx, s.log).Warn().Err(err).
			Str("event", string(e.Type)).
			Str("user_id", string(e.UserID)).
			Msg("webhook delivery failed")
	}
}

// Deliver posts e to every endpoint, retrying 5xx and transport errors with
// backoff. It returns the joined per-endpoint errors.
func (s *Sink) Deliver(ctx context.Context, e core.Event) error {
	if len(s.endpoints) == 0 || !s.Wants(e.Type) {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var errs []error
	for _, ep := range s.endpoints {
		if err := s.post(ctx, ep, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) post(ctx context.Context, endpoint string, body []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if len(s.secret) > 0 {
			req.Header.Set(SignatureHeader, Sign(s.secret, body))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
}
