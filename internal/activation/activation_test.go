package activation

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"arcal-receiver/internal/config"
)

type fakePort struct {
	mu     sync.Mutex
	rts    []bool
	dtr    []bool
	closed bool
}

func (p *fakePort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = append(p.rts, v)
	return nil
}

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = append(p.dtr, v)
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) snapshot() ([]bool, []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.rts...), append([]bool(nil), p.dtr...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelayPulse(t *testing.T) {
	port := &fakePort{}
	r, err := NewRelaySink(port, "rts", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	r.Activate()
	waitFor(t, func() bool {
		rts, _ := port.snapshot()
		return len(rts) == 3
	})

	rts, dtr := port.snapshot()
	if rts[0] || !rts[1] || rts[2] {
		t.Errorf("Expected release, assert, release on RTS, got %v", rts)
	}
	if len(dtr) != 0 {
		t.Errorf("Expected DTR untouched, got %v", dtr)
	}
	if r.Pulses() != 1 {
		t.Errorf("Expected 1 pulse, got %d", r.Pulses())
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Failed to close relay: %v", err)
	}
	if !port.closed {
		t.Error("Expected port closed")
	}
}

func TestRelayDropsWhileBusy(t *testing.T) {
	port := &fakePort{}
	r, err := NewRelaySink(port, "dtr", time.Hour)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	r.Activate()
	waitFor(t, func() bool { return r.Pulses() == 1 })

	// One more fits in the queue, the rest are dropped
	r.Activate()
	r.Activate()
	r.Activate()
	if r.Dropped() != 2 {
		t.Errorf("Expected 2 dropped activations, got %d", r.Dropped())
	}

	// Close cuts the hour long pulse short and releases the line
	if err := r.Close(); err != nil {
		t.Fatalf("Failed to close relay: %v", err)
	}
	_, dtr := port.snapshot()
	if len(dtr) != 3 || dtr[2] {
		t.Errorf("Expected release, assert, release on DTR, got %v", dtr)
	}
}

func TestRelayRejectsBadConfig(t *testing.T) {
	if _, err := NewRelaySink(&fakePort{}, "cts", time.Second); err == nil {
		t.Error("Expected error for an unsupported line")
	}
	if _, err := NewRelaySink(&fakePort{}, "rts", 0); err == nil {
		t.Error("Expected error for a zero pulse")
	}
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	messages     []published
	disconnected bool
	err          error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic, qos, retained, payload.([]byte)})
	return &fakeToken{err: p.err}
}

func (p *fakePublisher) Disconnect(uint) {
	p.disconnected = true
}

func TestMQTTSinkPublishesEvent(t *testing.T) {
	pub := &fakePublisher{}
	at := time.Date(2024, 5, 4, 3, 2, 1, 0, time.UTC)

	s := newMQTTSink(pub, "arcal/activation", 146.43e6, config.ClicksConfig{Count: 5, Horizon: 5 * time.Second})
	s.now = func() time.Time { return at }

	s.Activate()
	s.Activate()

	if len(pub.messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(pub.messages))
	}

	msg := pub.messages[0]
	if msg.topic != "arcal/activation" || msg.qos != 1 || msg.retained {
		t.Errorf("Unexpected publish parameters %+v", msg)
	}

	var event Event
	if err := json.Unmarshal(msg.payload, &event); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if event.ID == "" || !event.Time.Equal(at) || event.Frequency != 146.43e6 || event.Clicks != 5 || event.Window != "5s" {
		t.Errorf("Unexpected event %+v", event)
	}

	var second Event
	json.Unmarshal(pub.messages[1].payload, &second)
	if second.ID == event.ID {
		t.Error("Expected a fresh ID per activation")
	}

	s.Close()
	if !pub.disconnected {
		t.Error("Expected disconnect on close")
	}
}

func TestMQTTSinkLogsPublishFailure(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	pub := &fakePublisher{err: errors.New("not connected")}

	s := newMQTTSink(pub, "t", 1, config.ClicksConfig{Count: 5, Horizon: time.Second}, WithMQTTLogger(logger))
	s.Activate()

	waitFor(t, func() bool { return strings.Contains(buf.String(), "failed to publish activation") })
}

func TestLogSinkAndMulti(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	port := &fakePort{}
	relay, err := NewRelaySink(port, "rts", time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	var calls int
	counter := sinkFunc(func() { calls++ })

	m := Multi{NewLogSink(logger), counter, relay}
	m.Activate()

	if !strings.Contains(buf.String(), "REMOTE ACTIVATION DETECTED") || !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("Expected error level banner, got %q", buf.String())
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}

	waitFor(t, func() bool { return relay.Pulses() == 1 })
	if err := m.Close(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}
	if !port.closed {
		t.Error("Expected Multi to close the relay")
	}
}

type sinkFunc func()

func (f sinkFunc) Activate() { f() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
