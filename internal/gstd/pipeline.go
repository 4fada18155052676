// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gstd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// State is a pipeline state reported by the daemon.
type State string

const (
	StateNull    State = "NULL"
	StateReady   State = "READY"
	StatePaused  State = "PAUSED"
	StatePlaying State = "PLAYING"
)

// ParseState normalizes a daemon state string.
func ParseState(s string) State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PLAYING":
		return StatePlaying
	case "PAUSED":
		return StatePaused
	case "READY":
		return StateReady
	default:
		return StateNull
	}
}

// Pipeline addresses one named pipeline on the daemon.
type Pipeline struct {
	name   string
	client *Client
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Create performs POST /pipelines?name=…&description=… with gst-launch
// syntax. An "already exists" failure is returned as a *StatusError for the
// caller to classify; the factory treats it as success.
func (p *Pipeline) Create(ctx context.Context, description string) error {
	q := url.Values{}
	q.Set("name", p.name)
	q.Set("description", description)
	_, err := p.client.do(ctx, http.MethodPost, "/pipelines", q)
	return err
}

// Delete performs DELETE /pipelines?name=….
func (p *Pipeline) Delete(ctx context.Context) error {
	q := url.Values{}
	q.Set("name", p.name)
	_, err := p.client.do(ctx, http.MethodDelete, "/pipelines", q)
	return err
}

func (p *Pipeline) setState(ctx context.Context, state string) error {
	q := url.Values{}
	q.Set("name", state)
	_, err := p.client.do(ctx, http.MethodPut, "/pipelines/"+url.PathEscape(p.name)+"/state", q)
	return err
}

// Play performs PUT .../state?name=playing.
func (p *Pipeline) Play(ctx context.Context) error { return p.setState(ctx, "playing") }

// Pause performs PUT .../state?name=paused.
func (p *Pipeline) Pause(ctx context.Context) error { return p.setState(ctx, "paused") }

// Stop performs PUT .../state?name=stop.
func (p *Pipeline) Stop(ctx context.Context) error { return p.setState(ctx, "stop") }

// State performs GET .../state and parses the reported state.
func (p *Pipeline) State(ctx context.Context) (State, error) {
	resp, err := p.client.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(p.name)+"/state", nil)
	if err != nil {
		return StateNull, err
	}
	var prop Property
	if err := json.Unmarshal(resp.Response, &prop); err != nil {
		return StateNull, fmt.Errorf("gstd: decode state: %w", err)
	}
	var value string
	if err := json.Unmarshal(prop.Value, &value); err != nil {
		return StateNull, fmt.Errorf("gstd: decode state value: %w", err)
	}
	return ParseState(value), nil
}

// Graph performs GET .../graph.
func (p *Pipeline) Graph(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.client.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(p.name)+"/graph", nil)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// Elements performs GET .../elements.
func (p *Pipeline) Elements(ctx context.Context) ([]Node, error) {
	resp, err := p.client.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(p.name)+"/elements", nil)
	if err != nil {
		return nil, err
	}
	var list NodeList
	if err := json.Unmarshal(resp.Response, &list); err != nil {
		return nil, fmt.Errorf("gstd: decode element list: %w", err)
	}
	return list.Nodes, nil
}

// Properties performs GET .../properties.
func (p *Pipeline) Properties(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.client.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(p.name)+"/properties", nil)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// EmitEvent performs POST .../event?name=… (eos, flush_start, flush_stop).
func (p *Pipeline) EmitEvent(ctx context.Context, event string) error {
	q := url.Values{}
	q.Set("name", event)
	_, err := p.client.do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(p.name)+"/event", q)
	return err
}

// EmitEOS sends the end-of-stream event so muxers can close out cleanly.
func (p *Pipeline) EmitEOS(ctx context.Context) error {
	return p.EmitEvent(ctx, "eos")
}

// SetProperty performs PUT .../elements/{element}/properties/{property}?name=….
func (p *Pipeline) SetProperty(ctx context.Context, element, property, value string) error {
	q := url.Values{}
	q.Set("name", value)
	path := "/pipelines/" + url.PathEscape(p.name) +
		"/elements/" + url.PathEscape(element) +
		"/properties/" + url.PathEscape(property)
	_, err := p.client.do(ctx, http.MethodPut, path, q)
	return err
}

// Bus returns a handle for the pipeline's message bus.
func (p *Pipeline) Bus() *Bus { return &Bus{pipeline: p} }

// Bus reads filtered messages from a pipeline's bus.
type Bus struct {
	pipeline *Pipeline
}

// SetFilter performs PUT .../bus/filter?name=… ("eos", "error", …).
func (b *Bus) SetFilter(ctx context.Context, filter string) error {
	q := url.Values{}
	q.Set("name", filter)
	path := "/pipelines/" + url.PathEscape(b.pipeline.name) + "/bus/filter"
	_, err := b.pipeline.client.do(ctx, http.MethodPut, path, q)
	return err
}

// SetTimeout performs PUT .../bus/timeout?name={ns}.
func (b *Bus) SetTimeout(ctx context.Context, nanos int64) error {
	q := url.Values{}
	q.Set("name", strconv.FormatInt(nanos, 10))
	path := "/pipelines/" + url.PathEscape(b.pipeline.name) + "/bus/timeout"
	_, err := b.pipeline.client.do(ctx, http.MethodPut, path, q)
	return err
}

// Read performs GET .../bus/message, blocking daemon-side until a filtered
// message arrives or the configured timeout elapses.
func (b *Bus) Read(ctx context.Context) (json.RawMessage, error) {
	path := "/pipelines/" + url.PathEscape(b.pipeline.name) + "/bus/message"
	resp, err := b.pipeline.client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}
