package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/kiln/internal/model"
)

var _ Registry = (*Redis)(nil)

// Hash fields of a stored descriptor.
const (
	fieldWorkspace = "workspace"
	fieldArtifact  = "artifact"
	fieldLanguage  = "language"
	fieldWallMS    = "wall_ms"
	fieldIdleMS    = "idle_ms"
	fieldCreatedAt = "created_at"
)

const pingTimeout = 5 * time.Second

// Redis is a Registry backed by one Redis hash per session, expired by Redis
// itself.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are stored as prefix+id.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to the Redis server at url and verifies it answers.
func DialRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}
	return NewRedis(client, prefix), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

// Put writes the descriptor hash and its expiry in one transaction.
func (r *Redis) Put(ctx context.Context, d *model.Descriptor, ttl time.Duration) error {
	key := r.key(d.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldWorkspace: d.WorkspacePath,
			fieldArtifact:  d.ArtifactPath,
			fieldLanguage:  d.Language,
			fieldWallMS:    d.Limits.WallMS(),
			fieldIdleMS:    d.Limits.IdleMS(),
			fieldCreatedAt: d.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUnavailable, d.ID, err)
	}
	return nil
}

// Get reads the descriptor hash. A missing or expired key yields ErrNotFound.
func (r *Redis) Get(ctx context.Context, id string) (*model.Descriptor, error) {
	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrUnavailable, id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	wallMS, err := strconv.ParseInt(fields[fieldWallMS], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s wall limit: %w", ErrUnavailable, id, err)
	}
	idleMS, err := strconv.ParseInt(fields[fieldIdleMS], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s idle limit: %w", ErrUnavailable, id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s created_at: %w", ErrUnavailable, id, err)
	}

	return &model.Descriptor{
		ID:            id,
		Language:      fields[fieldLanguage],
		WorkspacePath: fields[fieldWorkspace],
		ArtifactPath:  fields[fieldArtifact],
		Limits: model.Limits{
			Wall: time.Duration(wallMS) * time.Millisecond,
			Idle: time.Duration(idleMS) * time.Millisecond,
		},
		CreatedAt: createdAt,
	}, nil
}

// Delete removes the descriptor hash.
func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrUnavailable, id, err)
	}
	return nil
}
