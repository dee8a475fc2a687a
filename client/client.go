// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client for the chanq HTTP API.
//
// Any node of a cluster can serve any channel, so a client only needs the
// address of one node.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/chanq/queue"
)

// DefaultTimeout bounds every call except Dequeue.
const DefaultTimeout = 10 * time.Second

// ErrNotFound is returned by Ack for a message the owner does not hold.
var ErrNotFound = errors.New("message not found")

// Error is a non-2xx answer from the server.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chanq: status %d", e.Code)
	}
	return fmt.Sprintf("chanq: status %d: %s", e.Code, e.Message)
}

// Options configures a Client.
type Options struct {
	Server     string        // node address (host:port or URL)
	Timeout    time.Duration // per-call timeout, Dequeue excluded
	HTTPClient *http.Client
}

// Client talks to a single chanq node.
type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
}

type enqueueRequest struct {
	Channel     string `json:"channel"`
	MessageType string `json:"messageType"`
	Payload     any    `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("server address is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	base := strings.TrimRight(opts.Server, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		base:    base,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
	}, nil
}

// Enqueue publishes payload on channel. The payload is sent as JSON.
func (c *Client) Enqueue(ctx context.Context, channel, messageType string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := enqueueRequest{Channel: channel, MessageType: messageType, Payload: payload}
	return c.do(ctx, http.MethodPost, "/enqueue/"+url.PathEscape(channel), req, nil)
}

// Dequeue takes the oldest message of channel. It blocks until a message
// arrives, ctx is done or the server gives up waiting.
func (c *Client) Dequeue(ctx context.Context, channel string) (*queue.Message, error) {
	var msg queue.Message
	if err := c.do(ctx, http.MethodGet, "/dequeue/"+url.PathEscape(channel), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Ack confirms processing of a dequeued message.
func (c *Client) Ack(ctx context.Context, channel, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := "/ack/" + url.PathEscape(channel) + "/" + url.PathEscape(messageID)
	err := c.do(ctx, http.MethodPost, path, nil, nil)
	var e *Error
	if errors.As(err, &e) && e.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	return err
}

// Stats returns the node's stats snapshot as decoded JSON.
func (c *Client) Stats(ctx context.Context) (map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := &Error{Code: resp.StatusCode}
		var er errorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil {
			e.Message = er.Error
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
