// Package broker owns the relay's single AMQP connection: topology
// declaration, the serialized publish path, and the dynamic per-user and
// per-group queue consumers.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"go-relay/internal/relay"
)

const (
	maxRetries  = 5
	retryDelay  = 2 * time.Second
	contentType = "application/json"
	globalQueue = "relay.global.fanout"
)

// Channel is the slice of the amqp channel API the gateway uses.
// *amqp091.Channel satisfies it; tests substitute a recording fake.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
}

// Deliverer is the registry-side delivery surface consumer callbacks bind to.
type Deliverer interface {
	BroadcastAll(p []byte)
	SendToOne(identity string, p []byte)
	SendToGroup(groupID string, p []byte)
}

// Gateway holds the one shared broker connection and channel. The connect
// lock and the publish lock are deliberately separate critical sections:
// publishes should not queue up behind a slow reconnect someone else is
// already performing.
type Gateway struct {
	url     string
	deliver Deliverer
	logger  *zap.Logger

	dial    func(url string) (*amqp.Connection, error)
	retries int
	delay   time.Duration

	connMu   sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	declared bool

	pubMu sync.Mutex

	privMu  sync.Mutex
	private map[string]string // identity -> consumer tag

	groupMu sync.Mutex
	groups  map[string]string // group id -> consumer tag
}

func NewGateway(url string, deliver Deliverer, logger *zap.Logger) *Gateway {
	return &Gateway{
		url:     url,
		deliver: deliver,
		logger:  logger,
		dial:    amqp.Dial,
		retries: maxRetries,
		delay:   retryDelay,
		private: make(map[string]string),
		groups:  make(map[string]string),
	}
}

// ensureChannel returns the shared channel, (re)connecting if needed. The
// health check and the reconnect share the connect lock, so concurrent
// callers cannot trigger duplicate reconnects; while the channel is healthy
// the lock is held only for the check, and the publish gate stays separate
// so publishes never queue behind a reconnect someone else is running.
func (g *Gateway) ensureChannel() (Channel, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.ch != nil && !g.ch.IsClosed() {
		return g.ch, nil
	}
	return g.connectLocked()
}

// connectLocked attempts connection establishment up to maxRetries times
// with a fixed delay. Exhausting retries is a gateway-level failure, not a
// process-level one: the caller logs it and the next ensure tries again.
func (g *Gateway) connectLocked() (Channel, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retries; attempt++ {
		g.logger.Info("connecting to broker",
			zap.Int("attempt", attempt), zap.Int("max", g.retries))

		conn, err := g.dial(g.url)
		if err != nil {
			lastErr = err
			g.logger.Warn("broker dial failed", zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(g.delay)
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			lastErr = err
			conn.Close()
			g.logger.Warn("channel open failed", zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(g.delay)
			continue
		}

		g.conn = conn
		g.ch = ch
		g.declared = false
		if err := g.declareTopologyLocked(); err != nil {
			lastErr = err
			conn.Close()
			g.conn, g.ch = nil, nil
			time.Sleep(g.delay)
			continue
		}

		g.logger.Info("broker connected")
		return g.ch, nil
	}
	return nil, fmt.Errorf("broker unreachable after %d attempts: %w", g.retries, lastErr)
}

// declareTopologyLocked declares the three fixed exchanges. Declares are
// idempotent at the broker, so a redeclare after reconnect is harmless.
func (g *Gateway) declareTopologyLocked() error {
	if g.declared {
		return nil
	}
	exchanges := []struct {
		name string
		kind string
	}{
		{relay.ExchangeGlobal, "fanout"},
		{relay.ExchangePrivate, "direct"},
		{relay.ExchangeGroup, "topic"},
	}
	for _, e := range exchanges {
		if err := g.ch.ExchangeDeclare(e.name, e.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.name, err)
		}
	}
	g.declared = true
	return nil
}

// Publish sends one payload through the shared channel. The channel is not
// safe for concurrent publishes, so every publish goes through one gate,
// released unconditionally on return.
func (g *Gateway) Publish(exchange, routingKey string, body []byte) error {
	ch, err := g.ensureChannel()
	if err != nil {
		return err
	}

	g.pubMu.Lock()
	defer g.pubMu.Unlock()

	return ch.PublishWithContext(context.Background(), exchange, routingKey, false, false, amqp.Publishing{
		ContentType: contentType,
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Connected reports whether the shared channel is currently usable. Used by
// the health endpoint; it never triggers a reconnect itself.
func (g *Gateway) Connected() bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.ch != nil && !g.ch.IsClosed()
}

// currentChannel returns the cached channel without reconnecting, or nil.
func (g *Gateway) currentChannel() Channel {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.ch != nil && !g.ch.IsClosed() {
		return g.ch
	}
	return nil
}

// Start declares the topology, attaches the fixed global-broadcast consumer,
// and keeps both alive across connection loss. An outage that outlasts one
// round of connect retries is a feature outage, not a stop condition: Start
// logs it, waits, and tries again, so the consume side comes back as soon as
// the broker does. It returns only when the context is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	for {
		ch, err := g.ensureChannel()
		if err != nil {
			g.logger.Error("broker unavailable, consume side degraded", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.delay):
			}
			continue
		}
		if err := g.consumeGlobal(ch); err != nil {
			g.logger.Warn("global consumer setup failed", zap.Error(err))
		}

		g.connMu.Lock()
		conn := g.conn
		g.connMu.Unlock()
		if conn == nil {
			<-ctx.Done()
			return ctx.Err()
		}
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			g.logger.Warn("broker connection lost", zap.Error(amqpErr))
			g.dropConsumersOnConnectionLoss()
		}
	}
}

// consumeGlobal binds an anonymous exclusive queue to the fanout exchange
// and feeds every delivery to BroadcastAll.
func (g *Gateway) consumeGlobal(ch Channel) error {
	q, err := ch.QueueDeclare(globalQueue, false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare global queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", relay.ExchangeGlobal, false, nil); err != nil {
		return fmt.Errorf("bind global queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "global", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume global queue: %w", err)
	}

	go g.consumeLoop("global", deliveries, func(body []byte) {
		g.deliver.BroadcastAll(body)
	}, nil)
	return nil
}

// consumeLoop drains one delivery stream into its registry callback. The
// stream closes when the consumer is cancelled or the connection drops;
// onStop (if set) clears the tracking entry so a later Ensure can rebuild.
func (g *Gateway) consumeLoop(name string, deliveries <-chan amqp.Delivery, fn func([]byte), onStop func()) {
	for d := range deliveries {
		fn(d.Body)
	}
	g.logger.Info("consumer stopped", zap.String("consumer", name))
	if onStop != nil {
		onStop()
	}
}

// dropConsumersOnConnectionLoss forgets all tracked consumers: they died
// with the connection, and stale tracking entries would make Ensure calls
// skip the rebuild.
func (g *Gateway) dropConsumersOnConnectionLoss() {
	g.privMu.Lock()
	g.private = make(map[string]string)
	g.privMu.Unlock()

	g.groupMu.Lock()
	g.groups = make(map[string]string)
	g.groupMu.Unlock()
}
