package broker

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-relay/internal/relay"
)

// EnsurePrivateQueue declares and consumes the identity's exclusive queue,
// binding each delivery to SendToOne. Idempotent: a tracked identity is
// skipped. A failure during setup leaves no tracking entry behind, so the
// next connect for this identity retries from scratch.
func (g *Gateway) EnsurePrivateQueue(identity string) error {
	g.privMu.Lock()
	defer g.privMu.Unlock()

	if _, ok := g.private[identity]; ok {
		return nil
	}

	ch, err := g.ensureChannel()
	if err != nil {
		return err
	}

	// Server-named queue: exclusive and auto-deleted with the connection.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare private queue for %s: %w", identity, err)
	}
	if err := ch.QueueBind(q.Name, relay.UserKey(identity), relay.ExchangePrivate, false, nil); err != nil {
		return fmt.Errorf("bind private queue for %s: %w", identity, err)
	}

	tag := "private." + identity + "." + uuid.NewString()[:8]
	deliveries, err := ch.Consume(q.Name, tag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume private queue for %s: %w", identity, err)
	}

	g.private[identity] = tag
	go g.consumeLoop(tag, deliveries, func(body []byte) {
		g.deliver.SendToOne(identity, body)
	}, func() {
		g.forgetPrivate(identity, tag)
	})

	g.logger.Info("private queue ready", zap.String("identity", identity))
	return nil
}

// RemovePrivateQueue cancels the identity's consumer and drops the tracking
// entry. Queue deletion itself rides on the broker's auto-delete behavior.
func (g *Gateway) RemovePrivateQueue(identity string) {
	g.privMu.Lock()
	tag, ok := g.private[identity]
	if ok {
		delete(g.private, identity)
	}
	g.privMu.Unlock()

	ch := g.currentChannel()
	if !ok || ch == nil {
		return
	}
	if err := ch.Cancel(tag, false); err != nil {
		g.logger.Warn("private consumer cancel failed",
			zap.String("identity", identity), zap.Error(err))
	}
}

// EnsureGroupQueue declares and consumes the group's shared queue, binding
// each delivery to SendToGroup. A tracked group is skipped entirely: no
// redeclare, no error. There is no symmetric remove; an idle group queue is
// reclaimed by broker-side auto-delete once its consumer count hits zero.
func (g *Gateway) EnsureGroupQueue(groupID string) error {
	g.groupMu.Lock()
	defer g.groupMu.Unlock()

	if _, ok := g.groups[groupID]; ok {
		return nil
	}

	ch, err := g.ensureChannel()
	if err != nil {
		return err
	}

	name := "relay.group." + groupID
	q, err := ch.QueueDeclare(name, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare group queue %s: %w", groupID, err)
	}
	if err := ch.QueueBind(q.Name, relay.GroupKey(groupID), relay.ExchangeGroup, false, nil); err != nil {
		return fmt.Errorf("bind group queue %s: %w", groupID, err)
	}

	tag := "group." + groupID + "." + uuid.NewString()[:8]
	deliveries, err := ch.Consume(q.Name, tag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume group queue %s: %w", groupID, err)
	}

	g.groups[groupID] = tag
	go g.consumeLoop(tag, deliveries, func(body []byte) {
		g.deliver.SendToGroup(groupID, body)
	}, func() {
		g.forgetGroup(groupID, tag)
	})

	g.logger.Info("group queue ready", zap.String("group", groupID))
	return nil
}

// forgetPrivate clears the tracking entry if it still points at this
// consumer. A newer consumer under the same identity is left alone.
func (g *Gateway) forgetPrivate(identity, tag string) {
	g.privMu.Lock()
	defer g.privMu.Unlock()
	if cur, ok := g.private[identity]; ok && cur == tag {
		delete(g.private, identity)
	}
}

func (g *Gateway) forgetGroup(groupID, tag string) {
	g.groupMu.Lock()
	defer g.groupMu.Unlock()
	if cur, ok := g.groups[groupID]; ok && cur == tag {
		delete(g.groups, groupID)
	}
}
