package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"media-studio/internal/domain"
)

const (
	defaultKeyPrefix = "media:blob:"
	fieldMIME        = "mime"
	fieldData        = "data"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// Redis stores each blob as a hash {mime, data} that expires after TTL.
type Redis struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("blob: redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("blob: connect to redis: %w", err)
	}
	return NewRedisFromClient(client, cfg.TTL, cfg.KeyPrefix, logger), nil
}

func NewRedisFromClient(client redis.UniversalClient, ttl time.Duration, keyPrefix string, logger *zap.Logger) *Redis {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "blob_redis")),
	}
}

func (r *Redis) key(id string) string {
	return r.keyPrefix + id
}

func (r *Redis) Put(ctx context.Context, id string, b domain.Blob) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("blob: id must not be empty")
	}
	key := r.key(id)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldMIME, b.MIMEType, fieldData, b.Data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", id, err)
	}
	r.logger.Debug("blob stored", zap.String("id", id), zap.Int("bytes", len(b.Data)))
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (domain.Blob, error) {
	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return domain.Blob{}, fmt.Errorf("blob: get %s: %w", id, err)
	}
	data, ok := fields[fieldData]
	if !ok {
		return domain.Blob{}, ErrNotFound
	}
	return domain.Blob{MIMEType: fields[fieldMIME], Data: []byte(data)}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
