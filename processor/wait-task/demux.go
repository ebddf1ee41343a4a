package waittask

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semtask/eventlog"
)

const memberBuffer = 16

// Demux shares one log subscription per event kind among the await workers
// waiting on that kind. Each member receives every delivery of its kind in
// log order from the moment it joined.
type Demux struct {
	log    eventlog.Log
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*demuxSub
}

type demuxSub struct {
	kind    string
	sub     eventlog.Subscription
	cancel  context.CancelFunc
	members map[string]*Member
}

// Member is one await worker's view of a shared subscription.
type Member struct {
	id    string
	kind  string
	demux *Demux
	owner *demuxSub

	ch   chan eventlog.Delivery
	once sync.Once
	done chan struct{}
}

// NewDemux creates a demultiplexer over log.
func NewDemux(log eventlog.Log, logger *slog.Logger) *Demux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demux{log: log, logger: logger, subs: make(map[string]*demuxSub)}
}

// Join adds a member for kind, opening the kind's subscription if it is the
// first. The subscription exists when Join returns, so every event appended
// afterwards reaches the member.
func (d *Demux) Join(ctx context.Context, kind string) (*Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.subs[kind]
	if !ok {
		sub, err := d.log.Subscribe(ctx, eventlog.Selector{
			Kinds:      []string{kind},
			DeliverNew: true,
		})
		if err != nil {
			return nil, err
		}
		pumpCtx, cancel := context.WithCancel(context.Background())
		s = &demuxSub{kind: kind, sub: sub, cancel: cancel, members: make(map[string]*Member)}
		d.subs[kind] = s
		go d.pump(pumpCtx, s)
		d.logger.Debug("Opened event subscription", "event", kind)
	}

	m := &Member{
		id:    uuid.NewString(),
		kind:  kind,
		demux: d,
		owner: s,
		ch:    make(chan eventlog.Delivery, memberBuffer),
		done:  make(chan struct{}),
	}
	s.members[m.id] = m
	return m, nil
}

// Members returns the number of members waiting on kind.
func (d *Demux) Members(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.subs[kind]; ok {
		return len(s.members)
	}
	return 0
}

// Subscriptions returns the number of open per-kind subscriptions.
func (d *Demux) Subscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Demux) pump(ctx context.Context, s *demuxSub) {
	defer d.closeMembers(s)
	for {
		delivery, done, err := eventlog.Receive(ctx, s.sub)
		if done {
			return
		}
		if err != nil {
			d.logger.Warn("Event receive failed after retries", "event", s.kind, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		d.mu.Lock()
		members := make([]*Member, 0, len(s.members))
		for _, m := range s.members {
			members = append(members, m)
		}
		d.mu.Unlock()

		for _, m := range members {
			select {
			case m.ch <- delivery:
			case <-m.done:
			case <-ctx.Done():
				return
			}
		}
	}
}

// closeMembers ends the members still attached to s once its pump stops.
func (d *Demux) closeMembers(s *demuxSub) {
	d.mu.Lock()
	if d.subs[s.kind] == s {
		delete(d.subs, s.kind)
	}
	members := s.members
	s.members = make(map[string]*Member)
	d.mu.Unlock()

	for _, m := range members {
		close(m.ch)
	}
	if len(members) > 0 {
		_ = s.sub.Close()
	}
}

// C delivers the member's events. It is closed when the shared subscription
// fails permanently.
func (m *Member) C() <-chan eventlog.Delivery {
	return m.ch
}

// Ack acknowledges a delivery on the shared subscription.
func (m *Member) Ack(ctx context.Context, id string) error {
	return m.owner.sub.Ack(ctx, id)
}

// Leave detaches the member. The last member leaving closes the kind's
// subscription. Leave is idempotent.
func (m *Member) Leave() {
	m.once.Do(func() {
		close(m.done)

		d := m.demux
		d.mu.Lock()
		s := m.owner
		_, present := s.members[m.id]
		delete(s.members, m.id)
		last := present && len(s.members) == 0
		if last && d.subs[s.kind] == s {
			delete(d.subs, s.kind)
		}
		d.mu.Unlock()

		if last {
			s.cancel()
			if err := s.sub.Close(); err != nil {
				d.logger.Debug("Close event subscription", "event", s.kind, "error", err)
			}
			d.logger.Debug("Closed event subscription", "event", s.kind)
		}
	})
}
