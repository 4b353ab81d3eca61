package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Broker is what the router and session handler need from the broker
// gateway. This interface keeps the relay package decoupled from the amqp
// client and lets tests swap in a recording fake.
type Broker interface {
	Publish(exchange, routingKey string, body []byte) error
	EnsureGroupQueue(groupID string) error
	EnsurePrivateQueue(identity string) error
	RemovePrivateQueue(identity string)
}

// Directory is the external session directory. All calls are best-effort:
// a failure is logged by the caller and routing carries on with whatever
// the registry knows locally.
type Directory interface {
	SetOnline(ctx context.Context, identity, role, token, groupID string) error
	SetOffline(ctx context.Context, identity, token string) error
	GetGroup(ctx context.Context, identity string) (string, error)
	SetGroup(ctx context.Context, identity, groupID string) error
}

// Router classifies inbound client frames, stamps the server-known sender
// fields, resolves missing routing context, and hands the result to the
// broker gateway. One Router instance is shared by all sessions; it keeps
// no per-call state of its own.
type Router struct {
	registry  *Registry
	broker    Broker
	directory Directory
	logger    *zap.Logger
}

func NewRouter(registry *Registry, broker Broker, directory Directory, logger *zap.Logger) *Router {
	return &Router{
		registry:  registry,
		broker:    broker,
		directory: directory,
		logger:    logger,
	}
}

// HandleFrame processes one raw frame from the identified session. Every
// failure path drops the frame and keeps the session open; errors never
// bubble back into the receive loop.
func (rt *Router) HandleFrame(ctx context.Context, identity, role string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		rt.logger.Warn("dropping undecodable frame",
			zap.String("identity", identity), zap.Error(err))
		return
	}

	if env.Type == "" {
		env.Type = TypeGlobal
	}

	// Never trust the client for these three.
	env.From = identity
	env.Role = role
	env.Timestamp = time.Now().UTC()

	switch env.Type {
	case TypeGlobal:
		rt.publish(ExchangeGlobal, "", env)

	case TypePrivate:
		if env.To == "" {
			rt.logger.Warn("private frame without recipient", zap.String("identity", identity))
			return
		}
		rt.publish(ExchangePrivate, UserKey(env.To), env)

	case TypeGroup:
		groupID := rt.resolveGroup(ctx, identity, env.Group)
		if groupID == "" {
			rt.logger.Warn("group frame with no resolvable group", zap.String("identity", identity))
			return
		}
		env.Group = groupID
		rt.publish(ExchangeGroup, GroupKey(groupID), env)

	case TypeJoin:
		rt.handleJoin(ctx, identity, role, env.Group)

	case TypeLeave:
		rt.handleLeave(ctx, identity, role)

	default:
		rt.logger.Warn("dropping frame of unknown type",
			zap.String("identity", identity), zap.String("type", env.Type))
	}
}

// resolveGroup implements the fallback chain: explicit field, then the local
// registry, then the external directory. Empty result means drop.
func (rt *Router) resolveGroup(ctx context.Context, identity, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if g := rt.registry.GroupOf(identity); g != "" {
		return g
	}
	g, err := rt.directory.GetGroup(ctx, identity)
	if err != nil {
		rt.logger.Warn("directory group lookup failed",
			zap.String("identity", identity), zap.Error(err))
		return ""
	}
	return g
}

// handleJoin moves the session into the target group, leaving its current
// group first when they differ. Re-joining the current group just re-affirms
// the membership.
func (rt *Router) handleJoin(ctx context.Context, identity, role, target string) {
	if target == "" {
		rt.logger.Warn("join without a group id", zap.String("identity", identity))
		return
	}

	if current := rt.registry.GroupOf(identity); current != "" && current != target {
		rt.leaveGroup(ctx, identity, role, current)
	}

	if err := rt.directory.SetGroup(ctx, identity, target); err != nil {
		rt.logger.Warn("directory group update failed",
			zap.String("identity", identity), zap.Error(err))
	}
	rt.registry.UpdateGroup(identity, target)

	if err := rt.broker.EnsureGroupQueue(target); err != nil {
		rt.logger.Warn("group queue setup failed",
			zap.String("group", target), zap.Error(err))
	}
	rt.publish(ExchangeGroup, GroupKey(target), joinedNotice(identity, role, target))
}

func (rt *Router) handleLeave(ctx context.Context, identity, role string) {
	current := rt.registry.GroupOf(identity)
	if current == "" {
		rt.logger.Info("leave from ungrouped session", zap.String("identity", identity))
		return
	}
	rt.leaveGroup(ctx, identity, role, current)
}

// leaveGroup runs the shared leave sequence: clear the directory entry,
// clear the local group, notify the old group.
func (rt *Router) leaveGroup(ctx context.Context, identity, role, groupID string) {
	if err := rt.directory.SetGroup(ctx, identity, ""); err != nil {
		rt.logger.Warn("directory group clear failed",
			zap.String("identity", identity), zap.Error(err))
	}
	rt.registry.UpdateGroup(identity, "")
	rt.publish(ExchangeGroup, GroupKey(groupID), leftNotice(identity, role, groupID))
}

// notifyDeparture is the best-effort teardown notice for a session that left
// while still grouped. The session is already gone, so failures only log.
func (rt *Router) notifyDeparture(identity, role, groupID string) {
	rt.publish(ExchangeGroup, GroupKey(groupID), leftNotice(identity, role, groupID))
}

func (rt *Router) publish(exchange, key string, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		rt.logger.Error("envelope encode failed", zap.Error(err))
		return
	}
	if err := rt.broker.Publish(exchange, key, body); err != nil {
		rt.logger.Warn("broker publish failed",
			zap.String("exchange", exchange), zap.String("key", key), zap.Error(err))
	}
}
