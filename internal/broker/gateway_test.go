package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap/zaptest"

	"go-relay/internal/relay"
)

type publishRecord struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type bindRecord struct {
	Queue    string
	Key      string
	Exchange string
}

// fakeChannel records the amqp calls the gateway makes and hands back
// controllable delivery streams.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	binds      []bindRecord
	consumers  map[string]chan amqp.Delivery
	cancels    []string
	published  []publishRecord
	declareErr error
	consumeErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{consumers: make(map[string]chan amqp.Delivery)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	if name == "" {
		name = "amq.gen-test"
	}
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, bindRecord{name, key, exchange})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	ch := make(chan amqp.Delivery, 8)
	f.consumers[consumer] = ch
	return ch, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishRecord{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, consumer)
	if ch, ok := f.consumers[consumer]; ok {
		close(ch)
		delete(f.consumers, consumer)
	}
	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// deliverTo pushes one payload into the named consumer's stream.
func (f *fakeChannel) deliverTo(t *testing.T, tagPrefix string, body []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for tag, ch := range f.consumers {
		if len(tag) >= len(tagPrefix) && tag[:len(tagPrefix)] == tagPrefix {
			ch <- amqp.Delivery{Body: body}
			return
		}
	}
	t.Fatalf("no consumer with tag prefix %q", tagPrefix)
}

func (f *fakeChannel) consumerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consumers)
}

func (f *fakeChannel) queueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues)
}

// recordingDeliverer captures registry-side deliveries from consumer callbacks.
type recordingDeliverer struct {
	mu         sync.Mutex
	broadcasts [][]byte
	toOne      map[string][][]byte
	toGroup    map[string][][]byte
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{
		toOne:   make(map[string][][]byte),
		toGroup: make(map[string][][]byte),
	}
}

func (d *recordingDeliverer) BroadcastAll(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts = append(d.broadcasts, p)
}

func (d *recordingDeliverer) SendToOne(identity string, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toOne[identity] = append(d.toOne[identity], p)
}

func (d *recordingDeliverer) SendToGroup(groupID string, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toGroup[groupID] = append(d.toGroup[groupID], p)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestGateway(t *testing.T) (*Gateway, *fakeChannel, *recordingDeliverer) {
	t.Helper()
	deliver := newRecordingDeliverer()
	g := NewGateway("amqp://test", deliver, zaptest.NewLogger(t))
	fc := newFakeChannel()
	g.ch = fc
	g.declared = true
	g.retries = 1
	g.delay = 0
	return g, fc, deliver
}

func TestEnsureGroupQueueIdempotent(t *testing.T) {
	g, fc, _ := newTestGateway(t)

	if err := g.EnsureGroupQueue("raid1"); err != nil {
		t.Fatal(err)
	}
	if err := g.EnsureGroupQueue("raid1"); err != nil {
		t.Fatal(err)
	}

	if got := fc.queueCount(); got != 1 {
		t.Errorf("declared %d queues, want 1", got)
	}
	if got := fc.consumerCount(); got != 1 {
		t.Errorf("tracked %d consumers, want 1", got)
	}
	if got := len(g.groups); got != 1 {
		t.Errorf("tracking map has %d entries, want 1", got)
	}
}

func TestEnsureGroupQueueBindsTopicKey(t *testing.T) {
	g, fc, _ := newTestGateway(t)

	if err := g.EnsureGroupQueue("raid1"); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.binds) != 1 {
		t.Fatalf("got %d binds, want 1", len(fc.binds))
	}
	b := fc.binds[0]
	if b.Exchange != relay.ExchangeGroup || b.Key != "group.raid1" {
		t.Errorf("bound to (%s, %s), want (%s, group.raid1)", b.Exchange, b.Key, relay.ExchangeGroup)
	}
}

func TestEnsureGroupQueueFailureLeavesNoTracking(t *testing.T) {
	g, fc, _ := newTestGateway(t)
	fc.consumeErr = errors.New("channel gone")

	if err := g.EnsureGroupQueue("raid1"); err == nil {
		t.Fatal("expected setup error")
	}
	if len(g.groups) != 0 {
		t.Fatal("failed setup must leave the tracking entry absent")
	}

	// The next attempt starts over and succeeds.
	fc.mu.Lock()
	fc.consumeErr = nil
	fc.mu.Unlock()
	if err := g.EnsureGroupQueue("raid1"); err != nil {
		t.Fatal(err)
	}
	if len(g.groups) != 1 {
		t.Fatal("retry after failure should track the consumer")
	}
}

func TestGroupConsumerDeliversToGroup(t *testing.T) {
	g, fc, deliver := newTestGateway(t)
	if err := g.EnsureGroupQueue("raid1"); err != nil {
		t.Fatal(err)
	}

	fc.deliverTo(t, "group.raid1", []byte(`{"content":"hi"}`))

	waitFor(t, func() bool {
		deliver.mu.Lock()
		defer deliver.mu.Unlock()
		return len(deliver.toGroup["raid1"]) == 1
	})
}

func TestEnsurePrivateQueueBindsDirectKey(t *testing.T) {
	g, fc, deliver := newTestGateway(t)

	if err := g.EnsurePrivateQueue("alice"); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	b := fc.binds[0]
	fc.mu.Unlock()
	if b.Exchange != relay.ExchangePrivate || b.Key != "user.alice" {
		t.Errorf("bound to (%s, %s), want (%s, user.alice)", b.Exchange, b.Key, relay.ExchangePrivate)
	}

	fc.deliverTo(t, "private.alice", []byte(`{"content":"hey"}`))
	waitFor(t, func() bool {
		deliver.mu.Lock()
		defer deliver.mu.Unlock()
		return len(deliver.toOne["alice"]) == 1
	})
}

func TestEnsurePrivateQueueIdempotent(t *testing.T) {
	g, fc, _ := newTestGateway(t)

	g.EnsurePrivateQueue("alice")
	g.EnsurePrivateQueue("alice")

	if got := fc.queueCount(); got != 1 {
		t.Errorf("declared %d queues, want 1", got)
	}
}

func TestRemovePrivateQueueCancelsConsumer(t *testing.T) {
	g, fc, _ := newTestGateway(t)
	if err := g.EnsurePrivateQueue("alice"); err != nil {
		t.Fatal(err)
	}

	g.RemovePrivateQueue("alice")

	fc.mu.Lock()
	cancels := len(fc.cancels)
	fc.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("got %d cancels, want 1", cancels)
	}
	waitFor(t, func() bool {
		g.privMu.Lock()
		defer g.privMu.Unlock()
		return len(g.private) == 0
	})

	// Removing again is a no-op.
	g.RemovePrivateQueue("alice")
	fc.mu.Lock()
	cancels = len(fc.cancels)
	fc.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("got %d cancels after double remove, want 1", cancels)
	}
}

func TestPublishGoesThroughSharedChannel(t *testing.T) {
	g, fc, _ := newTestGateway(t)

	body := []byte(`{"type":"global"}`)
	if err := g.Publish(relay.ExchangeGlobal, "", body); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.published) != 1 {
		t.Fatalf("got %d publishes, want 1", len(fc.published))
	}
	p := fc.published[0]
	if p.Exchange != relay.ExchangeGlobal || p.Key != "" {
		t.Errorf("published to (%s, %q)", p.Exchange, p.Key)
	}
	if string(p.Msg.Body) != string(body) {
		t.Errorf("body = %s, want %s", p.Msg.Body, body)
	}
	if p.Msg.ContentType != "application/json" {
		t.Errorf("content type = %s", p.Msg.ContentType)
	}
}

func TestConsumeGlobalFeedsBroadcast(t *testing.T) {
	g, fc, deliver := newTestGateway(t)

	if err := g.consumeGlobal(fc); err != nil {
		t.Fatal(err)
	}
	fc.deliverTo(t, "global", []byte(`{"content":"to everyone"}`))

	waitFor(t, func() bool {
		deliver.mu.Lock()
		defer deliver.mu.Unlock()
		return len(deliver.broadcasts) == 1
	})
}

func TestExhaustedRetriesSurfaceError(t *testing.T) {
	deliver := newRecordingDeliverer()
	g := NewGateway("amqp://nowhere", deliver, zaptest.NewLogger(t))
	g.retries = 3
	g.delay = 0

	dials := 0
	g.dial = func(url string) (*amqp.Connection, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	if err := g.Publish(relay.ExchangeGlobal, "", []byte("x")); err == nil {
		t.Fatal("expected publish to fail with broker down")
	}
	if dials != 3 {
		t.Errorf("dialed %d times, want bounded retries = 3", dials)
	}

	// The failure is not sticky: the next call attempts to connect again.
	dials = 0
	g.Publish(relay.ExchangeGlobal, "", []byte("x"))
	if dials == 0 {
		t.Error("subsequent publish should retry the connection")
	}
}

// An outage longer than one full round of retries must not kill the consume
// side for good: Start keeps cycling until the context is cancelled.
func TestStartOutlivesExhaustedRetries(t *testing.T) {
	deliver := newRecordingDeliverer()
	g := NewGateway("amqp://nowhere", deliver, zaptest.NewLogger(t))
	g.retries = 1
	g.delay = time.Millisecond

	var mu sync.Mutex
	dials := 0
	g.dial = func(url string) (*amqp.Connection, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()

	// More dials than one round of retries means Start looped past the
	// exhausted-retries failure instead of returning.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials > 1
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestConnectedReflectsChannelState(t *testing.T) {
	g, fc, _ := newTestGateway(t)

	if !g.Connected() {
		t.Error("Connected() = false with an open channel")
	}

	fc.mu.Lock()
	fc.closed = true
	fc.mu.Unlock()
	if g.Connected() {
		t.Error("Connected() = true with a closed channel")
	}
}
