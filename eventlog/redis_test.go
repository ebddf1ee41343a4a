package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisConfig{Key: "events", Block: 100 * time.Millisecond}), mr
}

func TestRedis_Append(t *testing.T) {
	l, mr := newTestRedis(t)
	ctx := context.Background()

	id, err := l.Append(ctx, Message{"kind": KindStartTask, "name": "wait:delay"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := mr.Stream("events")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	assert.Equal(t, KindStartTask, fields["kind"])
	assert.JSONEq(t, `{"kind":"start-task","name":"wait:delay"}`, fields["message"])

	_, err = l.Append(ctx, Message{})
	assert.ErrorIs(t, err, ErrNoKind)
}

func TestRedis_GroupDeliveryAndAck(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := l.Append(ctx, Message{"kind": KindStartTask, "n": 1})
	require.NoError(t, err)
	_, err = l.Append(ctx, Message{"kind": "other"})
	require.NoError(t, err)
	id3, err := l.Append(ctx, Message{"kind": KindStartTask, "n": 3})
	require.NoError(t, err)

	sub, err := l.Subscribe(ctx, Selector{Group: "starting", Kinds: []string{KindStartTask}})
	require.NoError(t, err)
	defer sub.Close()

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, d.ID)
	assert.Equal(t, float64(1), d.Message["n"])
	require.NoError(t, sub.Ack(ctx, d.ID))

	d, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, id3, d.ID)
	require.NoError(t, sub.Ack(ctx, d.ID))

	pending, err := l.client.XPending(ctx, "events", "starting").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "skipped kinds are acknowledged too")
}

func TestRedis_SubscribeTwiceSharesGroup(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := l.Subscribe(ctx, Selector{Group: "g"})
	require.NoError(t, err)
	s2, err := l.Subscribe(ctx, Selector{Group: "g"})
	require.NoError(t, err, "an existing group is reused")

	_, err = l.Append(ctx, Message{"kind": "k", "n": "a"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Message{"kind": "k", "n": "b"})
	require.NoError(t, err)

	d1, err := s1.Next(ctx)
	require.NoError(t, err)
	d2, err := s2.Next(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, d1.ID, d2.ID)
}

func TestRedis_DeliverNewPrivateGroup(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.Append(ctx, Message{"kind": "order", "n": "old"})
	require.NoError(t, err)

	sub, err := l.Subscribe(ctx, Selector{Kinds: []string{"order"}, DeliverNew: true})
	require.NoError(t, err)

	_, err = l.Append(ctx, Message{"kind": "order", "n": "new"})
	require.NoError(t, err)

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", d.Message.String("n"))

	groups, err := l.client.XInfoGroups(ctx, "events").Result()
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	require.NoError(t, sub.Close())
	groups, err = l.client.XInfoGroups(ctx, "events").Result()
	require.NoError(t, err)
	assert.Empty(t, groups, "closing a private subscription destroys its group")

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
