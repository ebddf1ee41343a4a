package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Memory is an in-process Log. Messages are stored JSON-encoded so consumers
// decode the same shapes a network backend would deliver.
type Memory struct {
	mu      sync.Mutex
	entries [][]byte
	kinds   []string
	groups  map[string]*memoryGroup
	notify  chan struct{}
	closed  bool
	private int
}

type memoryGroup struct {
	cursor  int
	pending map[string]bool
	acked   []string
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{
		groups: make(map[string]*memoryGroup),
		notify: make(chan struct{}),
	}
}

// Append implements Log.
func (m *Memory) Append(_ context.Context, msg Message) (string, error) {
	kind := msg.Kind()
	if kind == "" {
		return "", ErrNoKind
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.entries = append(m.entries, data)
	m.kinds = append(m.kinds, kind)
	id := strconv.Itoa(len(m.entries))

	close(m.notify)
	m.notify = make(chan struct{})
	return id, nil
}

// Subscribe implements Log.
func (m *Memory) Subscribe(_ context.Context, sel Selector) (Subscription, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	name := sel.Group
	if name == "" {
		m.private++
		name = "~" + strconv.Itoa(m.private)
	}
	g, ok := m.groups[name]
	if !ok {
		g = &memoryGroup{pending: make(map[string]bool)}
		if sel.DeliverNew {
			g.cursor = len(m.entries)
		}
		m.groups[name] = g
	}

	return &memorySubscription{
		log:   m,
		group: g,
		sel:   sel,
		done:  make(chan struct{}),
	}, nil
}

// Close closes the log and every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}

// Messages returns every message in the log whose kind is one of kinds, or
// every message when kinds is empty.
func (m *Memory) Messages(kinds ...string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel := Selector{Kinds: kinds}
	var out []Message
	for i, data := range m.entries {
		if !sel.Selects(m.kinds[i]) {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Acked returns the ids acknowledged by group, in acknowledgment order.
func (m *Memory) Acked(group string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil
	}
	return append([]string(nil), g.acked...)
}

// IsAcked reports whether any group, private ones included, acknowledged id.
func (m *Memory) IsAcked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		for _, acked := range g.acked {
			if acked == id {
				return true
			}
		}
	}
	return false
}

// Pending returns the ids delivered to group but not yet acknowledged.
func (m *Memory) Pending(group string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

type memorySubscription struct {
	log   *Memory
	group *memoryGroup
	sel   Selector

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memorySubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.log.mu.Lock()
		select {
		case <-s.done:
			s.log.mu.Unlock()
			return Delivery{}, ErrClosed
		default:
		}
		if s.log.closed {
			s.log.mu.Unlock()
			return Delivery{}, ErrClosed
		}

		for s.group.cursor < len(s.log.entries) {
			i := s.group.cursor
			s.group.cursor++
			if !s.sel.Selects(s.log.kinds[i]) {
				continue
			}
			id := strconv.Itoa(i + 1)
			data := s.log.entries[i]
			s.group.pending[id] = true
			s.log.mu.Unlock()

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return Delivery{}, fmt.Errorf("decode message %s: %w", id, err)
			}
			return Delivery{ID: id, Message: msg}, nil
		}

		notify := s.log.notify
		s.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.done:
			return Delivery{}, ErrClosed
		case <-notify:
		}
	}
}

func (s *memorySubscription) Ack(_ context.Context, id string) error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if !s.group.pending[id] {
		return fmt.Errorf("ack %s: not pending", id)
	}
	delete(s.group.pending, id)
	s.group.acked = append(s.group.acked, id)
	return nil
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
