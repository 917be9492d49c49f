package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"jetx/internal/config"
	"jetx/internal/game"
)

const (
	PLAYER_PREFIX   = "PL:"
	IDENTITY_PREFIX = "ID:"
	HISTORY_KEY     = "jetx:history"
)

// releaseScript drops the identity binding only if it still points at the
// releasing session.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Service interface {
	Health() map[string]string
	Close() error

	GetPlayer(ctx context.Context, sessionID string) (*game.Player, error)
	SetPlayer(ctx context.Context, p *game.Player) error
	DeletePlayer(ctx context.Context, sessionID string) error

	// BindSession makes sessionID the live session of identity and returns
	// the session it replaced, if any.
	BindSession(ctx context.Context, identity, sessionID string) (string, error)
	ReleaseSession(ctx context.Context, identity, sessionID string) error

	PushHistory(ctx context.Context, entry game.HistoryEntry, size int) error
	History(ctx context.Context, n int) ([]game.HistoryEntry, error)
}

type service struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func New(cfg config.Config, logger *log.Logger) (Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisURL,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := newService(client, cfg.SessionTTL, logger)
	s.logger.Info("Redis connected successfully", "addr", cfg.RedisURL)
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *log.Logger) Service {
	return newService(client, ttl, logger)
}

func newService(client *redis.Client, ttl time.Duration, logger *log.Logger) *service {
	return &service{
		client: client,
		ttl:    ttl,
		logger: logger.WithPrefix("CACHE"),
	}
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *service) Close() error {
	s.logger.Info("Disconnecting from Redis")
	return s.client.Close()
}

// GetPlayer returns nil without error when the session is unknown or expired.
func (s *service) GetPlayer(ctx context.Context, sessionID string) (*game.Player, error) {
	raw, err := s.client.Get(ctx, PLAYER_PREFIX+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", sessionID, err)
	}
	var p game.Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode player %s: %w", sessionID, err)
	}
	return &p, nil
}

func (s *service) SetPlayer(ctx context.Context, p *game.Player) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode player %s: %w", p.SessionID, err)
	}
	if err := s.client.Set(ctx, PLAYER_PREFIX+p.SessionID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set player %s: %w", p.SessionID, err)
	}
	return nil
}

func (s *service) DeletePlayer(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, PLAYER_PREFIX+sessionID).Err(); err != nil {
		return fmt.Errorf("delete player %s: %w", sessionID, err)
	}
	return nil
}

func (s *service) BindSession(ctx context.Context, identity, sessionID string) (string, error) {
	prev, err := s.client.SetArgs(ctx, IDENTITY_PREFIX+identity, sessionID, redis.SetArgs{
		TTL: s.ttl,
		Get: true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("bind session %s: %w", identity, err)
	}
	if prev == sessionID {
		return "", nil
	}
	return prev, nil
}

func (s *service) ReleaseSession(ctx context.Context, identity, sessionID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{IDENTITY_PREFIX + identity}, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release session %s: %w", identity, err)
	}
	return nil
}

// PushHistory prepends entry and trims the list to size.
func (s *service) PushHistory(ctx context.Context, entry game.HistoryEntry, size int) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history %d: %w", entry.RoundID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, HISTORY_KEY, raw)
		pipe.LTrim(ctx, HISTORY_KEY, 0, int64(size-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("push history %d: %w", entry.RoundID, err)
	}
	return nil
}

// History returns up to n entries, newest first.
func (s *service) History(ctx context.Context, n int) ([]game.HistoryEntry, error) {
	items, err := s.client.LRange(ctx, HISTORY_KEY, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]game.HistoryEntry, 0, len(items))
	for _, item := range items {
		var h game.HistoryEntry
		if err := json.Unmarshal([]byte(item), &h); err != nil {
			s.logger.Warn("Skipping corrupt history entry", "err", err)
			continue
		}
		out = append(out, h)
	}
	return out, nil
}
