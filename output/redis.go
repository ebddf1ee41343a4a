package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis stores outputs in one hash per workflow, "<workflow>:output", keyed by
// step index.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a store over client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// HashKey returns the hash holding a workflow's outputs.
func HashKey(workflow string) string {
	return workflow + ":output"
}

// Put implements Store.
func (s *Redis) Put(ctx context.Context, workflow string, index int, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if err := s.client.HSet(ctx, HashKey(workflow), strconv.Itoa(index), string(data)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", HashKey(workflow), err)
	}
	return nil
}

// Get implements Store.
func (s *Redis) Get(ctx context.Context, workflow string, index int) (any, error) {
	raw, err := s.client.HGet(ctx, HashKey(workflow), strconv.Itoa(index)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s: %w", HashKey(workflow), err)
	}
	return decode([]byte(raw))
}
