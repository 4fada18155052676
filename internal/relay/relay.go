// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package relay forwards locally emitted events to the remote bus. A
// Unix-socket listener and a remote publisher run side by side, joined
// by a bounded FIFO that rides out broker outages.
package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	applog "github.com/ManuGH/printwatch/internal/log"
	"github.com/ManuGH/printwatch/internal/metrics"
)

// DefaultCapacity bounds the pending-event FIFO.
const DefaultCapacity = 12

// connectBackoff is the fixed delay between remote connect attempts.
const connectBackoff = 2 * time.Second

// maxFrameSize rejects obviously corrupt length prefixes.
const maxFrameSize = 1 << 20

// Event is one pending (subject, payload) pair.
type Event struct {
	Subject string
	Payload json.RawMessage
}

// Publisher is the remote side of the relay.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// Config wires a Relay.
type Config struct {
	// SocketPath of the local Unix listener.
	SocketPath string
	// BusURI of the remote broker. A URI carrying "tls" enforces TLS.
	BusURI string
	// CredsPath is used when the file exists; otherwise the connection
	// is anonymous.
	CredsPath string
	// Capacity of the FIFO; 0 means DefaultCapacity.
	Capacity int
}

// Relay owns the FIFO and both halves of the forwarding loop.
type Relay struct {
	cfg     Config
	fifo    *fifo
	connect func(ctx context.Context) (Publisher, error)
	backoff time.Duration
	log     zerolog.Logger
}

// New builds a relay publishing to the remote bus.
func New(cfg Config) *Relay {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	r := &Relay{
		cfg:     cfg,
		fifo:    newFIFO(cfg.Capacity),
		backoff: connectBackoff,
		log:     applog.WithComponent("relay"),
	}
	r.connect = r.connectBus
	return r
}

func (r *Relay) connectBus(_ context.Context) (Publisher, error) {
	opts := []nats.Option{
		nats.Name("printwatch-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(connectBackoff),
	}
	if _, err := os.Stat(r.cfg.CredsPath); r.cfg.CredsPath != "" && err == nil {
		opts = append(opts, nats.UserCredentials(r.cfg.CredsPath))
	}
	if strings.Contains(r.cfg.BusURI, "tls") {
		opts = append(opts, nats.Secure())
	}
	nc, err := nats.Connect(r.cfg.BusURI, opts...)
	if err != nil {
		return nil, err
	}
	return natsPublisher{nc}, nil
}

type natsPublisher struct{ nc *nats.Conn }

func (p natsPublisher) Publish(subject string, data []byte) error {
	return p.nc.Publish(subject, data)
}

func (p natsPublisher) Close() { p.nc.Close() }

// Run serves until ctx is cancelled. The socket listener and the
// publisher loop are joined; either one failing terminally tears down
// the other.
func (r *Relay) Run(ctx context.Context) error {
	_ = os.Remove(r.cfg.SocketPath)
	listener, err := net.Listen("unix", r.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.SocketPath, err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		_ = listener.Close()
		return nil
	})
	group.Go(func() error { return r.serveSocket(ctx, listener) })
	group.Go(func() error { return r.publishLoop(ctx) })

	r.log.Info().
		Str("event", "relay.run").
		Str(applog.FieldSocket, r.cfg.SocketPath).
		Str("bus_uri", r.cfg.BusURI).
		Msg("relay running")
	return group.Wait()
}

func (r *Relay) serveSocket(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		// senders are short-lived local processes; one at a time is enough
		r.readFrames(conn)
	}
}

func (r *Relay) readFrames(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		ev, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warn().Err(err).
					Str("event", "relay.frame.invalid").
					Msg("dropping malformed frame")
			}
			return
		}
		r.enqueue(ev)
	}
}

// Enqueue buffers an event originating in-process, subject to the same
// capacity bound as socket-delivered frames.
func (r *Relay) Enqueue(subject string, payload []byte) {
	r.enqueue(Event{Subject: subject, Payload: payload})
}

func (r *Relay) enqueue(ev Event) {
	if dropped, evicted := r.fifo.push(ev); evicted {
		metrics.RelayDropsTotal.Inc()
		r.log.Warn().
			Str("event", "relay.fifo.drop").
			Str(applog.FieldSubject, dropped.Subject).
			Int("capacity", r.cfg.Capacity).
			Msg("fifo full, dropping oldest event")
	}
}

// readFrame decodes one length-prefixed frame: a big-endian 4-byte
// length followed by a JSON two-element tuple [subject, payload].
func readFrame(reader io.Reader) (Event, error) {
	var header [4]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return Event{}, fmt.Errorf("frame length %d out of range", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		return Event{}, fmt.Errorf("short frame: %w", err)
	}

	var tuple [2]json.RawMessage
	if err := json.Unmarshal(body, &tuple); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	var subject string
	if err := json.Unmarshal(tuple[0], &subject); err != nil {
		return Event{}, fmt.Errorf("decode frame subject: %w", err)
	}
	return Event{Subject: subject, Payload: tuple[1]}, nil
}

// WriteFrame is the sender-side encoding, shared with tests and the
// in-process event emitters.
func WriteFrame(w io.Writer, ev Event) error {
	body, err := json.Marshal([2]json.RawMessage{
		json.RawMessage(fmt.Sprintf("%q", ev.Subject)),
		ev.Payload,
	})
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (r *Relay) publishLoop(ctx context.Context) error {
	var pub Publisher
	defer func() {
		if pub != nil {
			pub.Close()
		}
	}()

	for {
		if pub == nil {
			p, err := r.connect(ctx)
			if err != nil {
				r.log.Warn().Err(err).
					Str("event", "relay.connect").
					Dur("backoff", r.backoff).
					Msg("remote bus unavailable")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.backoff):
				}
				continue
			}
			r.log.Info().
				Str("event", "relay.connected").
				Str("bus_uri", r.cfg.BusURI).
				Msg("remote bus connected")
			pub = p
		}

		// drain in order
		drained := true
		for {
			ev, ok := r.fifo.pop()
			if !ok {
				break
			}
			if err := pub.Publish(ev.Subject, ev.Payload); err != nil {
				r.log.Warn().Err(err).
					Str("event", "relay.publish").
					Str(applog.FieldSubject, ev.Subject).
					Msg("publish failed, reconnecting")
				r.fifo.unpop(ev)
				pub.Close()
				pub = nil
				drained = false
				break
			}
			metrics.RelayPublishedTotal.Inc()
		}

		if !drained {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.fifo.ready:
		}
	}
}
