// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	applog "github.com/ManuGH/printwatch/internal/log"
	"github.com/ManuGH/printwatch/internal/metrics"
)

// DefaultWorkers is the concurrent dispatch width.
const DefaultWorkers = 8

// Request is one inbound message after subject recovery.
type Request struct {
	Subject string
	Pattern string
	Data    []byte
}

// Handler processes one request. The returned value is serialized into
// the reply for requests and discarded for events.
type Handler func(ctx context.Context, req Request) (any, error)

// ErrorReply is published when a handler or decoder fails.
type ErrorReply struct {
	Error          string          `json:"error"`
	SubjectPattern string          `json:"subject_pattern"`
	Request        json.RawMessage `json:"request,omitempty"`
}

// Router subscribes to the device subtree and dispatches messages to the
// handler registered for their canonical pattern. Messages carrying a
// reply inbox are requests; the rest are events whose results are
// discarded.
type Router struct {
	nc       *nats.Conn
	hostname string
	workers  int

	mu       sync.RWMutex
	handlers map[string]Handler

	log zerolog.Logger
}

// NewRouter builds a router for this device's subtree. workers <= 0
// falls back to DefaultWorkers.
func NewRouter(nc *nats.Conn, hostname string, workers int) *Router {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Router{
		nc:       nc,
		hostname: hostname,
		workers:  workers,
		handlers: make(map[string]Handler),
		log:      applog.WithComponent("bus"),
	}
}

// Handle registers the handler for one canonical pattern.
func (r *Router) Handle(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pattern] = h
}

func (r *Router) lookup(pattern string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[pattern]
	return h, ok
}

// Run subscribes and dispatches until ctx is cancelled. Messages fan out
// across the worker pool; ordering between unrelated requests is not
// preserved.
func (r *Router) Run(ctx context.Context) error {
	inbox := make(chan *nats.Msg, r.workers*4)
	sub, err := r.nc.ChanSubscribe(Subscription(r.hostname), inbox)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Subscription(r.hostname), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	r.log.Info().
		Str("event", "bus.subscribe").
		Str(applog.FieldSubject, Subscription(r.hostname)).
		Int("workers", r.workers).
		Msg("bus router running")

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-inbox:
					if !ok {
						return nil
					}
					r.dispatch(ctx, msg)
				}
			}
		})
	}
	return group.Wait()
}

func (r *Router) dispatch(ctx context.Context, msg *nats.Msg) {
	pattern := Canonical(msg.Subject, r.hostname)
	isRequest := msg.Reply != ""

	logger := r.log.With().
		Str(applog.FieldSubject, msg.Subject).
		Str(applog.FieldSubjectPattern, pattern).
		Logger()

	handler, ok := r.lookup(pattern)
	if !ok {
		metrics.IncBusRequest(pattern, "unhandled")
		logger.Warn().Str("event", "bus.dispatch.unhandled").Msg("no handler for subject")
		if isRequest {
			r.replyError(msg, pattern, fmt.Errorf("no handler for subject pattern %s", pattern), msg.Data)
		}
		return
	}

	result, err := handler(ctx, Request{Subject: msg.Subject, Pattern: pattern, Data: msg.Data})
	if err != nil {
		metrics.IncBusRequest(pattern, "error")
		logger.Error().Err(err).Str("event", "bus.dispatch.error").Msg("handler failed")
		if isRequest {
			r.replyError(msg, pattern, err, msg.Data)
		}
		return
	}

	metrics.IncBusRequest(pattern, "ok")
	if !isRequest {
		return
	}

	payload, err := encodeReply(pattern, result)
	if err != nil {
		logger.Error().Err(err).Str("event", "bus.reply.encode").Msg("reply serialization failed")
		r.replyError(msg, pattern, err, nil)
		return
	}
	if err := msg.Respond(payload); err != nil {
		logger.Warn().Err(err).Str("event", "bus.reply.publish").Msg("reply publish failed")
	}
}

// encodeReply tags the handler result with the canonical pattern.
func encodeReply(pattern string, result any) ([]byte, error) {
	body := map[string]any{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			// non-object results ride under a data key
			body = map[string]any{"data": json.RawMessage(raw)}
		}
	}
	body["subject_pattern"] = pattern
	return json.Marshal(body)
}

func (r *Router) replyError(msg *nats.Msg, pattern string, err error, request []byte) {
	reply := ErrorReply{Error: err.Error(), SubjectPattern: pattern}
	if json.Valid(request) {
		reply.Request = request
	}
	payload, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		return
	}
	if respondErr := msg.Respond(payload); respondErr != nil {
		r.log.Warn().Err(respondErr).
			Str("event", "bus.reply.publish").
			Str(applog.FieldSubjectPattern, pattern).
			Msg("error reply publish failed")
	}
}
