// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/absmach/chanq/cluster"
	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxBodySize = 1 << 20

// maxDequeueReroutes bounds how often a dequeue follows its channel to a new
// owner.
const maxDequeueReroutes = 3

// Response messages.
const (
	msgEnqueued       = "Message enqueue successfully"
	errFieldsRequired = "messageType and payload are required"
	errDequeueTimeout = "dequeue timed out"
)

type enqueueRequest struct {
	Channel     string          `json:"channel,omitempty"`
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NodesResponse is the node status answer.
type NodesResponse struct {
	Self      string         `json:"self"`
	State     string         `json:"state"`
	Alive     []string       `json:"alive"`
	Primaries []string       `json:"primaries"`
	Nodes     []cluster.Node `json:"nodes"`
}

type handoffResponse struct {
	Restored int `json:"restored"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	ctx, span := s.startSpan(r, "enqueue", channel)
	defer span.End()

	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.MessageType == "" || isEmpty(req.Payload) {
		writeError(w, http.StatusBadRequest, errFieldsRequired)
		return
	}

	owner, local := s.route(w, r, span, channel)
	if owner == "" {
		return
	}

	if local {
		msg := queue.NewMessage(channel, req.MessageType, req.Payload)
		msg = s.queue.Enqueue(ctx, channel, msg)
		span.SetAttributes(attribute.String("message_id", msg.MessageID))
		s.logger.Debug("enqueue",
			slog.String("channel", channel),
			slog.String("message_id", msg.MessageID))
		writeJSON(w, http.StatusOK, messageResponse{Message: msgEnqueued})
		return
	}

	err := s.forwarder.ForwardEnqueue(ctx, owner, channel, cluster.EnqueueRequest{
		MessageType: req.MessageType,
		Payload:     req.Payload,
	})
	if err != nil {
		s.forwardFailed(w, span, "enqueue", owner, channel, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msgEnqueued})
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	ctx, span := s.startSpan(r, "dequeue", channel)
	defer span.End()

	if s.config.DequeueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.DequeueTimeout)
		defer cancel()
	}

	var (
		msg *queue.Message
		err error
	)
	for attempt := 0; ; attempt++ {
		owner, local := s.route(w, r, span, channel)
		if owner == "" {
			return
		}

		if local {
			msg, err = s.queue.Dequeue(ctx, channel)
		} else {
			msg, err = s.forwarder.ForwardDequeue(ctx, owner, channel)
		}
		if err == nil {
			break
		}

		if ctx.Err() == nil && movedAway(err) {
			if local && r.Header.Get(cluster.ForwardedHeader) != "" {
				// The entry node routes the retry.
				writeError(w, http.StatusGone, err.Error())
				return
			}
			if attempt < maxDequeueReroutes {
				span.AddEvent("channel_moved", trace.WithAttributes(attribute.String("from", owner)))
				s.logger.Debug("dequeue_rerouted",
					slog.String("channel", channel),
					slog.String("from", owner))
				continue
			}
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, errDequeueTimeout)
		case ctx.Err() != nil:
			s.logger.Debug("dequeue_abandoned", slog.String("channel", channel))
		case local:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			s.forwardFailed(w, span, "dequeue", owner, channel, err)
		}
		return
	}

	span.SetAttributes(attribute.String("message_id", msg.MessageID))
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	messageID := r.PathValue("messageID")
	ctx, span := s.startSpan(r, "ack", channel)
	defer span.End()
	span.SetAttributes(attribute.String("message_id", messageID))

	owner, local := s.route(w, r, span, channel)
	if owner == "" {
		return
	}

	var acked bool
	if local {
		acked = s.queue.Ack(channel, messageID)
	} else {
		var err error
		acked, err = s.forwarder.ForwardAck(ctx, owner, channel, messageID)
		if err != nil {
			s.forwardFailed(w, span, "ack", owner, channel, err)
			return
		}
	}

	if !acked {
		writeError(w, http.StatusNotFound, messageID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: messageID + " acknowledged successfully"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NodesResponse{
		Self:      s.router.Self(),
		State:     string(s.router.State()),
		Alive:     s.router.CurrentAliveNodes(),
		Primaries: s.router.PrimaryNodes(),
		Nodes:     s.router.Nodes(),
	})
}

func (s *Server) handleBackupChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.queue.BackupChannels(r.Context())
	if err != nil {
		s.backupFailed(w, "channels", "", err)
		return
	}
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleBackupSave(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	var msg queue.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if msg.MessageID == "" {
		writeError(w, http.StatusBadRequest, "messageID is required")
		return
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}

	if err := s.queue.SaveBackup(r.Context(), channel, &msg); err != nil {
		s.backupFailed(w, "save", channel, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBackupPending(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	msgs, err := s.queue.PendingBackup(r.Context(), channel)
	if err != nil {
		s.backupFailed(w, "pending", channel, err)
		return
	}
	if msgs == nil {
		msgs = []*queue.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleBackupPurge(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	if err := s.queue.PurgeBackup(r.Context(), channel); err != nil {
		s.backupFailed(w, "purge", channel, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBackupConsumed(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	messageID := r.PathValue("messageID")

	if err := s.queue.ConsumeBackup(r.Context(), channel, messageID); err != nil {
		s.backupFailed(w, "consumed", channel, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	ctx, span := s.startSpan(r, "handoff", channel)
	defer span.End()

	var msgs []*queue.Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	n := s.queue.AcceptHandoff(ctx, channel, msgs)
	writeJSON(w, http.StatusOK, handoffResponse{Restored: n})
}

// movedAway reports a dequeue released because its channel changed owner,
// locally or on the peer it was forwarded to.
func movedAway(err error) bool {
	return errors.Is(err, queue.ErrMoved) || cluster.StatusCode(err) == http.StatusGone
}

// route resolves the owner of channel. It returns local true when the
// request must be served here, and an empty owner once an error answer has
// been written.
func (s *Server) route(w http.ResponseWriter, r *http.Request, span trace.Span, channel string) (string, bool) {
	self := s.router.Self()

	if r.Header.Get(cluster.ForwardedHeader) != "" {
		if !s.router.Ready() {
			s.notReady(w, span)
			return "", false
		}
		return self, true
	}

	owner, err := s.router.GetNodeForKey(channel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return "", false
	}
	span.SetAttributes(attribute.String("owner", owner))

	if owner != self {
		return owner, false
	}
	if !s.router.Ready() {
		s.notReady(w, span)
		return "", false
	}
	return self, true
}

func (s *Server) notReady(w http.ResponseWriter, span trace.Span) {
	state := string(s.router.State())
	span.SetStatus(codes.Error, "node not ready")
	writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("node %s is %s", s.router.Self(), state))
}

// forwardFailed relays client errors from the owner and reports everything
// else as a bad gateway.
func (s *Server) forwardFailed(w http.ResponseWriter, span trace.Span, op, owner, channel string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "forward failed")

	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		msg := se.Message
		if msg == "" {
			msg = http.StatusText(se.Code)
		}
		writeError(w, se.Code, msg)
		return
	}

	s.logger.Warn("forward_failed",
		slog.String("op", op),
		slog.String("owner", owner),
		slog.String("channel", channel),
		slog.String("error", err.Error()))
	writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to forward %s to %s: %v", op, owner, err))
}

func (s *Server) backupFailed(w http.ResponseWriter, op, channel string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Warn("backup_request_failed",
		slog.String("op", op),
		slog.String("channel", channel),
		slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// startSpan continues the trace of a forwarding peer, if any.
func (s *Server) startSpan(r *http.Request, op, channel string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return s.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.Bool("forwarded", r.Header.Get(cluster.ForwardedHeader) != ""),
		))
}

// isEmpty reports payloads a producer must not send: missing, null, false,
// zero or the empty string.
func isEmpty(payload json.RawMessage) bool {
	p := bytes.TrimSpace(payload)
	switch string(p) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
