package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/auth"
	"github.com/highscore-gateway/internal/config"
	"github.com/highscore-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis
func NewClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// LookupCache serves game and table lookups from Redis hashes and falls
// through to the store on a miss. Entries expire after the configured TTL
// and are dropped early when an invalidation is published.
type LookupCache struct {
	client  *redis.Client
	next    auth.Lookup
	ttl     time.Duration
	channel string
	logger  *slog.Logger
}

// NewLookupCache wraps next with a Redis cache
func NewLookupCache(client *redis.Client, next auth.Lookup, cfg *config.RedisConfig, logger *slog.Logger) *LookupCache {
	return &LookupCache{
		client:  client,
		next:    next,
		ttl:     cfg.CacheTTL,
		channel: cfg.InvalidationChannel,
		logger:  logger,
	}
}

// gameKey returns the Redis key for a cached game
func gameKey(gameUUID uuid.UUID) string {
	return fmt.Sprintf("highscore:game:%s", gameUUID)
}

// tableKey returns the Redis key for a cached table
func tableKey(tableUUID uuid.UUID) string {
	return fmt.Sprintf("highscore:table:%s", tableUUID)
}

// GameByUUID implements auth.GameLookup
func (c *LookupCache) GameByUUID(ctx context.Context, gameUUID uuid.UUID) (*domain.Game, error) {
	key := gameKey(gameUUID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Warn("game cache read failed", "game_uuid", gameUUID, "error", err)
	} else if len(result) > 0 {
		g, err := gameFromHash(gameUUID, result)
		if err == nil {
			return g, nil
		}
		c.logger.Warn("discarding corrupt cached game", "game_uuid", gameUUID, "error", err)
	}

	g, err := c.next.GameByUUID(ctx, gameUUID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, gameHash(g))
	return g, nil
}

// TableByUUID implements auth.TableLookup
func (c *LookupCache) TableByUUID(ctx context.Context, gameID int64, tableUUID uuid.UUID) (*domain.HighscoreTable, error) {
	key := tableKey(tableUUID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Warn("table cache read failed", "table_uuid", tableUUID, "error", err)
	} else if len(result) > 0 {
		t, err := tableFromHash(tableUUID, result)
		switch {
		case err != nil:
			c.logger.Warn("discarding corrupt cached table", "table_uuid", tableUUID, "error", err)
		case t.GameID != gameID:
			return nil, domain.ErrNotFound
		default:
			return t, nil
		}
	}

	t, err := c.next.TableByUUID(ctx, gameID, tableUUID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, tableHash(t))
	return t, nil
}

func (c *LookupCache) store(ctx context.Context, key string, fields map[string]any) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// InvalidateGame drops a cached game
func (c *LookupCache) InvalidateGame(ctx context.Context, gameUUID uuid.UUID) error {
	if err := c.client.Del(ctx, gameKey(gameUUID)).Err(); err != nil {
		return fmt.Errorf("invalidating game: %w", err)
	}
	return nil
}

// InvalidateTable drops a cached table
func (c *LookupCache) InvalidateTable(ctx context.Context, tableUUID uuid.UUID) error {
	if err := c.client.Del(ctx, tableKey(tableUUID)).Err(); err != nil {
		return fmt.Errorf("invalidating table: %w", err)
	}
	return nil
}

// Invalidation kinds carried on the invalidation channel
const (
	KindGame  = "game"
	KindTable = "table"
)

// PublishInvalidation announces that a game or table changed
func PublishInvalidation(ctx context.Context, client *redis.Client, channel, kind string, id uuid.UUID) error {
	if err := client.Publish(ctx, channel, kind+":"+id.String()).Err(); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}

// Listen drops cached entries named on the invalidation channel until ctx is
// cancelled.
func (c *LookupCache) Listen(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.channel, err)
	}
	c.logger.Info("listening for cache invalidations", "channel", c.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handleInvalidation(ctx, msg.Payload)
		}
	}
}

func (c *LookupCache) handleInvalidation(ctx context.Context, payload string) {
	kind, id, err := parseInvalidation(payload)
	if err != nil {
		c.logger.Warn("ignoring invalidation", "payload", payload, "error", err)
		return
	}
	switch kind {
	case KindGame:
		err = c.InvalidateGame(ctx, id)
	case KindTable:
		err = c.InvalidateTable(ctx, id)
	}
	if err != nil {
		c.logger.Error("invalidation failed", "kind", kind, "id", id, "error", err)
		return
	}
	c.logger.Debug("cache entry invalidated", "kind", kind, "id", id)
}

func parseInvalidation(payload string) (string, uuid.UUID, error) {
	kind, raw, ok := strings.Cut(payload, ":")
	if !ok {
		return "", uuid.Nil, errors.New("expected <kind>:<uuid>")
	}
	if kind != KindGame && kind != KindTable {
		return "", uuid.Nil, fmt.Errorf("unknown kind %q", kind)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("parsing uuid: %w", err)
	}
	return kind, id, nil
}

func gameHash(g *domain.Game) map[string]any {
	return map[string]any{
		"id":             g.ID,
		"developer_id":   g.DeveloperID,
		"secret":         g.SecretKey,
		"name":           g.Name,
		"security_level": g.SecurityLevel,
	}
}

func gameFromHash(gameUUID uuid.UUID, h map[string]string) (*domain.Game, error) {
	id, err := strconv.ParseInt(h["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	developerID, err := strconv.ParseInt(h["developer_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("developer_id: %w", err)
	}
	level, err := strconv.Atoi(h["security_level"])
	if err != nil {
		return nil, fmt.Errorf("security_level: %w", err)
	}
	secret, ok := h["secret"]
	if !ok {
		return nil, errors.New("missing secret")
	}
	return &domain.Game{
		ID:            id,
		DeveloperID:   developerID,
		GameUUID:      gameUUID,
		SecretKey:     secret,
		Name:          h["name"],
		SecurityLevel: level,
	}, nil
}

func tableHash(t *domain.HighscoreTable) map[string]any {
	maxEntries := ""
	if t.MaxEntries != nil {
		maxEntries = strconv.Itoa(*t.MaxEntries)
	}
	return map[string]any{
		"id":          t.ID,
		"game_id":     t.GameID,
		"name":        t.Name,
		"max_entries": maxEntries,
	}
}

func tableFromHash(tableUUID uuid.UUID, h map[string]string) (*domain.HighscoreTable, error) {
	id, err := strconv.ParseInt(h["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	gameID, err := strconv.ParseInt(h["game_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("game_id: %w", err)
	}
	t := &domain.HighscoreTable{
		ID:        id,
		GameID:    gameID,
		Name:      h["name"],
		TableUUID: tableUUID,
	}
	if raw := h["max_entries"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("max_entries: %w", err)
		}
		t.MaxEntries = &n
	}
	return t, nil
}

var _ auth.Lookup = (*LookupCache)(nil)
