package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector(t *testing.T) {
	assert.Error(t, Selector{}.Validate())
	assert.NoError(t, Selector{Group: "g"}.Validate())
	assert.NoError(t, Selector{DeliverNew: true}.Validate())

	all := Selector{Group: "g"}
	assert.True(t, all.Selects("anything"))

	some := Selector{Group: "g", Kinds: []string{"a", "b"}}
	assert.True(t, some.Selects("b"))
	assert.False(t, some.Selects("c"))
}

func TestMessage_Accessors(t *testing.T) {
	m := NewMessage("order", map[string]any{"id": "42", "n": float64(3), "c": 7})
	assert.Equal(t, "order", m.Kind())
	assert.Equal(t, "42", m.String("id"))
	assert.Equal(t, "", m.String("n"))

	n, ok := m.Int("n")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	c, ok := m.Int("c")
	assert.True(t, ok)
	assert.Equal(t, 7, c)
	_, ok = m.Int("id")
	assert.False(t, ok)

	assert.Equal(t, Message{"kind": KindReceipt, "ref": "9"}, Receipt("9"))
}

func TestMemory_GroupDelivery(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()

	_, err := log.Append(ctx, Message{"kind": "a", "n": 1})
	require.NoError(t, err)
	_, err = log.Append(ctx, Message{"kind": "b", "n": 2})
	require.NoError(t, err)
	id3, err := log.Append(ctx, Message{"kind": "a", "n": 3})
	require.NoError(t, err)
	assert.Equal(t, "3", id3)

	sub, err := log.Subscribe(ctx, Selector{Group: "g", Kinds: []string{"a"}})
	require.NoError(t, err)
	defer sub.Close()

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", d.ID)
	assert.Equal(t, float64(1), d.Message["n"], "messages round-trip through JSON")

	d, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", d.ID)

	assert.Equal(t, []string{"1", "3"}, log.Pending("g"))
	require.NoError(t, sub.Ack(ctx, "3"))
	assert.Equal(t, []string{"1"}, log.Pending("g"))
	assert.Equal(t, []string{"3"}, log.Acked("g"))
	assert.True(t, log.IsAcked("3"))
	assert.False(t, log.IsAcked("1"))

	assert.Error(t, sub.Ack(ctx, "3"), "double ack")
}

func TestMemory_GroupSharesCursor(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, Message{"kind": "a", "n": i})
		require.NoError(t, err)
	}

	s1, err := log.Subscribe(ctx, Selector{Group: "g"})
	require.NoError(t, err)
	s2, err := log.Subscribe(ctx, Selector{Group: "g"})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, s := range []Subscription{s1, s2, s1, s2} {
		d, err := s.Next(ctx)
		require.NoError(t, err)
		assert.False(t, seen[d.ID], "each delivery goes to one group member")
		seen[d.ID] = true
	}
	assert.Len(t, seen, 4)
}

func TestMemory_DeliverNew(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	_, err := log.Append(ctx, Message{"kind": "a", "n": "old"})
	require.NoError(t, err)

	sub, err := log.Subscribe(ctx, Selector{Kinds: []string{"a"}, DeliverNew: true})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = log.Append(ctx, Message{"kind": "a", "n": "new"})
	}()

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := sub.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, "new", d.Message["n"])
}

func TestMemory_NextHonorsContextAndClose(t *testing.T) {
	log := NewMemory()
	sub, err := log.Subscribe(context.Background(), Selector{Group: "g"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, sub.Close())
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	other, err := log.Subscribe(context.Background(), Selector{Group: "h"})
	require.NoError(t, err)
	require.NoError(t, log.Close())
	_, err = other.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = log.Append(context.Background(), Message{"kind": "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_AppendRequiresKind(t *testing.T) {
	_, err := NewMemory().Append(context.Background(), Message{"x": 1})
	assert.ErrorIs(t, err, ErrNoKind)
}
