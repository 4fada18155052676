// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []Event
	fail      bool
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker gone")
	}
	p.published = append(p.published, Event{Subject: subject, Payload: append([]byte(nil), data...)})
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.published...)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Event{Subject: "pi.aurora.event.print.progress", Payload: json.RawMessage(`{"percent":42}`)}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in.Subject, out.Subject)
	require.JSONEq(t, string(in.Payload), string(out.Payload))

	_, err = readFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestFIFOHeadDropKeepsNewest(t *testing.T) {
	f := newFIFO(4)
	for i := 0; i < 10; i++ {
		f.push(Event{Subject: fmt.Sprintf("s%d", i)})
	}
	require.Equal(t, 4, f.len())

	var order []string
	for {
		ev, ok := f.pop()
		if !ok {
			break
		}
		order = append(order, ev.Subject)
	}
	require.Equal(t, []string{"s6", "s7", "s8", "s9"}, order)
}

func TestOverflowPublishesLastFourInOrder(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "events.sock")
	r := New(Config{SocketPath: socket, BusURI: "nats://localhost:4222", Capacity: 4})
	r.backoff = 10 * time.Millisecond

	pub := &fakePublisher{}
	var mu sync.Mutex
	connected := false
	r.connect = func(context.Context) (Publisher, error) {
		mu.Lock()
		defer mu.Unlock()
		if !connected {
			return nil, errors.New("connection refused")
		}
		return pub, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// wait for the listener
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", socket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, WriteFrame(conn, Event{Subject: fmt.Sprintf("pi.aurora.event.%d", i), Payload: payload}))
	}
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return r.fifo.len() == 4 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	connected = true
	mu.Unlock()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)

	var subjects []string
	for _, ev := range pub.snapshot() {
		subjects = append(subjects, ev.Subject)
	}
	require.Equal(t, []string{
		"pi.aurora.event.6",
		"pi.aurora.event.7",
		"pi.aurora.event.8",
		"pi.aurora.event.9",
	}, subjects)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestPublishFailureRebuffersAndRetries(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "events.sock")
	r := New(Config{SocketPath: socket, BusURI: "nats://localhost:4222", Capacity: 4})
	r.backoff = 10 * time.Millisecond

	pub := &fakePublisher{fail: true}
	r.connect = func(context.Context) (Publisher, error) { return pub, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", socket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, WriteFrame(conn, Event{Subject: "pi.aurora.event.boot", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, conn.Close())

	// failed publishes never lose the head entry
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, r.fifo.len())

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "pi.aurora.event.boot", pub.snapshot()[0].Subject)
}
