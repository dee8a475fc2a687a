// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/chanq/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ForwardedHeader marks requests forwarded by a peer. They are always served
// locally.
const ForwardedHeader = "X-Chanq-Forwarded"

// DefaultTransportTimeout bounds every peer call except dequeue forwarding.
const DefaultTransportTimeout = 5 * time.Second

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	Addr    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer %s returned status %d", e.Addr, e.Code)
	}
	return fmt.Sprintf("peer %s returned status %d: %s", e.Addr, e.Code, e.Message)
}

// Is matches ErrPeerStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrPeerStatus
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	Timeout time.Duration
	Breaker BreakerConfig
	Logger  *slog.Logger
}

// Transport is the HTTP client for peer calls. Each peer gets its own
// circuit breaker; idempotent calls are retried with backoff.
type Transport struct {
	client   *http.Client
	timeout  time.Duration
	breakers *peerBreakers
	logger   *slog.Logger
}

// EnqueueRequest is the body of an enqueue call.
type EnqueueRequest struct {
	Channel     string          `json:"channel,omitempty"`
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewTransport creates a peer transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTransportTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		// Dequeue forwarding blocks, so the client itself has no timeout.
		client:   &http.Client{},
		timeout:  cfg.Timeout,
		breakers: newPeerBreakers(cfg.Breaker, cfg.Logger),
		logger:   cfg.Logger,
	}
}

// ForwardEnqueue enqueues a message on the owning peer. It is retried only
// when the peer cannot have stored the message: the connection was never
// made or the peer answered with an error. A call lost after it was sent is
// returned to the producer, who may send it again.
func (t *Transport) ForwardEnqueue(ctx context.Context, addr, channel string, req EnqueueRequest) error {
	path := "/enqueue/" + url.PathEscape(channel)
	return t.breakers.retry(ctx, addr, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		err := t.do(cctx, addr, http.MethodPost, path, req, nil)
		if err != nil && !unsent(err) {
			return final(err)
		}
		return err
	})
}

// ForwardDequeue dequeues from the owning peer. It blocks until the peer
// answers and is never retried. An open breaker rejects it, but it never
// holds the half-open trial slot.
func (t *Transport) ForwardDequeue(ctx context.Context, addr, channel string) (*queue.Message, error) {
	if err := t.breakers.admit(addr); err != nil {
		return nil, err
	}

	var msg queue.Message
	if err := t.do(ctx, addr, http.MethodGet, "/dequeue/"+url.PathEscape(channel), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ForwardAck acknowledges a message on the owning peer. It returns false if
// the peer does not know the message.
func (t *Transport) ForwardAck(ctx context.Context, addr, channel, messageID string) (bool, error) {
	path := "/ack/" + url.PathEscape(channel) + "/" + url.PathEscape(messageID)
	err := t.retry(ctx, addr, http.MethodPost, path, nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NotifyBackupEnqueue mirrors a message to a backup.
func (t *Transport) NotifyBackupEnqueue(ctx context.Context, addr, channel string, msg *queue.Message) error {
	return t.retry(ctx, addr, http.MethodPost, backupPath(channel), msg, nil)
}

// NotifyBackupConsumed tells a backup that a message left the primary. A
// backup that never saw the message is not an error.
func (t *Transport) NotifyBackupConsumed(ctx context.Context, addr, channel, messageID string) error {
	err := t.retry(ctx, addr, http.MethodDelete, backupPath(channel)+"/"+url.PathEscape(messageID), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// ListPending returns the messages a peer mirrors for channel.
func (t *Transport) ListPending(ctx context.Context, addr, channel string) ([]*queue.Message, error) {
	var msgs []*queue.Message
	if err := t.retry(ctx, addr, http.MethodGet, backupPath(channel), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListChannels returns the channels a peer mirrors.
func (t *Transport) ListChannels(ctx context.Context, addr string) ([]string, error) {
	var channels []string
	if err := t.retry(ctx, addr, http.MethodGet, "/internal/backup", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// Purge drops a peer's mirror of channel.
func (t *Transport) Purge(ctx context.Context, addr, channel string) error {
	return t.retry(ctx, addr, http.MethodDelete, backupPath(channel), nil, nil)
}

// Handoff hands pending messages of channel over to its new owner.
func (t *Transport) Handoff(ctx context.Context, addr, channel string, msgs []*queue.Message) error {
	return t.retry(ctx, addr, http.MethodPost, "/internal/handoff/"+url.PathEscape(channel), msgs, nil)
}

// Probe checks a peer's health endpoint. It bypasses the breaker so a
// recovering peer is seen as soon as it answers.
func (t *Transport) Probe(ctx context.Context, addr string) error {
	return t.do(ctx, addr, http.MethodGet, "/health", nil, nil)
}

func (t *Transport) retry(ctx context.Context, addr, method, path string, body, out any) error {
	return t.breakers.retry(ctx, addr, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		return t.do(cctx, addr, method, path, body, out)
	})
}

func (t *Transport) do(ctx context.Context, addr, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(addr)+path, reader)
	if err != nil {
		return permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(ForwardedHeader, "true")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Addr: addr, Code: resp.StatusCode}
		var er errorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil {
			se.Message = er.Error
		}
		if resp.StatusCode < 500 {
			return permanent(se)
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", addr, err)
	}
	return nil
}

// unsent reports failures after which the peer has not applied the request.
func unsent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func backupPath(channel string) string {
	return "/internal/backup/" + url.PathEscape(channel)
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// StatusCode returns the peer status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func isStatus(err error, code int) bool {
	return err != nil && StatusCode(err) == code
}
