// Package directory persists which group an identity is currently in, so a
// relay restart (or a future second instance) can recover routing context.
// Everything here is best-effort: callers log failures and keep routing.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "session:"
	opTimeout = 2 * time.Second
)

// Store keeps one Redis hash per identity: role, token, group.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewStore(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

func sessionKey(identity string) string { return keyPrefix + identity }

// SetOnline records the live session. A reconnect overwrites the previous
// record, token included; that is what makes SetOffline token-guarded.
func (s *Store) SetOnline(ctx context.Context, identity, role, token, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields := map[string]interface{}{
		"role":  role,
		"token": token,
	}
	if groupID != "" {
		fields["group"] = groupID
	}
	return s.rdb.HSet(ctx, sessionKey(identity), fields).Err()
}

// SetOffline deletes the record, but only if it still belongs to the given
// session token. A teardown racing a reconnect must not wipe the newer
// session's entry.
func (s *Store) SetOffline(ctx context.Context, identity, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	current, err := s.rdb.HGet(ctx, sessionKey(identity), "token").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != token {
		s.logger.Debug("skipping offline for superseded session",
			zap.String("identity", identity))
		return nil
	}
	return s.rdb.Del(ctx, sessionKey(identity)).Err()
}

// GetGroup returns the stored group id, or "" when the identity is unknown
// or ungrouped.
func (s *Store) GetGroup(ctx context.Context, identity string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	group, err := s.rdb.HGet(ctx, sessionKey(identity), "group").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return group, nil
}

// SetGroup stores or clears (empty string) the identity's group id.
func (s *Store) SetGroup(ctx context.Context, identity, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if groupID == "" {
		return s.rdb.HDel(ctx, sessionKey(identity), "group").Err()
	}
	return s.rdb.HSet(ctx, sessionKey(identity), "group", groupID).Err()
}
