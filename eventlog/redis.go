package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis stream log.
type RedisConfig struct {
	// Key is the stream key holding the log.
	Key string

	// Block bounds a single XREADGROUP call.
	Block time.Duration
}

// Redis is a Log over one Redis stream. Consumer groups map onto stream
// groups; kind selection happens client side, and messages of other kinds are
// acknowledged for the group as they are skipped.
type Redis struct {
	client redis.UniversalClient
	config RedisConfig
}

// NewRedis returns a log over the stream cfg.Key.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Key == "" {
		cfg.Key = "tasks"
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return &Redis{client: client, config: cfg}
}

// Append implements Log.
func (l *Redis) Append(ctx context.Context, msg Message) (string, error) {
	kind := msg.Kind()
	if kind == "" {
		return "", ErrNoKind
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.config.Key,
		Values: map[string]any{
			"kind":    kind,
			"message": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", l.config.Key, err)
	}
	return id, nil
}

// Subscribe implements Log.
func (l *Redis) Subscribe(ctx context.Context, sel Selector) (Subscription, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	group := sel.Group
	private := false
	if group == "" {
		group = "sub-" + uuid.NewString()
		private = true
	}
	start := "0"
	if sel.DeliverNew {
		start = "$"
	}
	err := l.client.XGroupCreateMkStream(ctx, l.config.Key, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s: %w", group, err)
	}

	return &redisSubscription{
		log:      l,
		sel:      sel,
		group:    group,
		consumer: uuid.NewString(),
		private:  private,
		done:     make(chan struct{}),
	}, nil
}

type redisSubscription struct {
	log      *Redis
	sel      Selector
	group    string
	consumer string
	private  bool

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSubscription) Next(ctx context.Context) (Delivery, error) {
	key := s.log.config.Key
	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.done:
			return Delivery{}, ErrClosed
		default:
		}

		streams, err := s.log.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{key, ">"},
			Count:    1,
			Block:    s.log.config.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("xreadgroup %s: %w", s.group, err)
		}

		for _, stream := range streams {
			for _, xm := range stream.Messages {
				kind, _ := xm.Values["kind"].(string)
				if !s.sel.Selects(kind) {
					if err := s.log.client.XAck(ctx, key, s.group, xm.ID).Err(); err != nil {
						return Delivery{}, fmt.Errorf("xack %s: %w", xm.ID, err)
					}
					continue
				}
				raw, _ := xm.Values["message"].(string)
				var msg Message
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					return Delivery{}, fmt.Errorf("decode message %s: %w", xm.ID, err)
				}
				return Delivery{ID: xm.ID, Message: msg}, nil
			}
		}
	}
}

func (s *redisSubscription) Ack(ctx context.Context, id string) error {
	if err := s.log.client.XAck(ctx, s.log.config.Key, s.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.private {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.log.client.XGroupDestroy(ctx, s.log.config.Key, s.group).Err()
		}
	})
	return err
}
