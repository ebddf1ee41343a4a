package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures a JetStream-backed log.
type JetStreamConfig struct {
	// Stream is the JetStream stream holding the log.
	Stream string

	// SubjectPrefix is prepended to a message kind to form its subject.
	SubjectPrefix string

	// FetchWait bounds a single pull request.
	FetchWait time.Duration

	// AckWait is the redelivery timeout for durable groups.
	AckWait time.Duration
}

// DefaultJetStreamConfig returns the default stream layout.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Stream:        "TASKS",
		SubjectPrefix: "tasks",
		FetchWait:     time.Second,
		AckWait:       5 * time.Minute,
	}
}

// JetStream is a Log over one JetStream stream. A message of kind k is
// published to "<prefix>.<k>", groups are durable pull consumers and
// deliver-new selectors get a named consumer deleted on Close.
type JetStream struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	config JetStreamConfig
}

// NewJetStream ensures the stream exists and returns a log over it.
func NewJetStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (*JetStream, error) {
	defaults := DefaultJetStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = defaults.Stream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = defaults.FetchWait
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaults.AckWait
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{js: js, stream: stream, config: cfg}, nil
}

// Subject returns the subject a message of kind is published on.
func (l *JetStream) Subject(kind string) string {
	return l.config.SubjectPrefix + "." + subjectToken(kind)
}

// subjectToken makes kind safe to use as a single subject token.
func subjectToken(kind string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\n':
			return '_'
		}
		return r
	}, kind)
}

// Append implements Log.
func (l *JetStream) Append(ctx context.Context, msg Message) (string, error) {
	kind := msg.Kind()
	if kind == "" {
		return "", ErrNoKind
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	ack, err := l.js.Publish(ctx, l.Subject(kind), data)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", kind, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// consumerConfig maps a selector onto a pull consumer configuration.
func (l *JetStream) consumerConfig(sel Selector) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   l.config.AckWait,
	}
	if sel.Group != "" {
		cfg.Durable = sel.Group
	} else {
		// A private consumer is read by one process that may leave most
		// deliveries unacknowledged. It must neither stall on them nor
		// redeliver them to readers that joined later.
		cfg.Name = "sub-" + uuid.NewString()
		cfg.InactiveThreshold = time.Minute
		cfg.MaxAckPending = -1
		cfg.MaxDeliver = 1
	}
	if sel.DeliverNew {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}
	if len(sel.Kinds) == 0 {
		cfg.FilterSubject = l.config.SubjectPrefix + ".>"
	} else if len(sel.Kinds) == 1 {
		cfg.FilterSubject = l.Subject(sel.Kinds[0])
	} else {
		for _, k := range sel.Kinds {
			cfg.FilterSubjects = append(cfg.FilterSubjects, l.Subject(k))
		}
	}
	return cfg
}

// Subscribe implements Log.
func (l *JetStream) Subscribe(ctx context.Context, sel Selector) (Subscription, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	cfg := l.consumerConfig(sel)
	consumer, err := l.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	sub := &jetStreamSubscription{
		log:      l,
		consumer: consumer,
		pending:  make(map[string]jetstream.Msg),
		done:     make(chan struct{}),
	}
	if sel.Group == "" {
		sub.ephemeral = cfg.Name
	}
	return sub, nil
}

type jetStreamSubscription struct {
	log       *JetStream
	consumer  jetstream.Consumer
	ephemeral string

	mu      sync.Mutex
	pending map[string]jetstream.Msg

	closeOnce sync.Once
	done      chan struct{}
}

func (s *jetStreamSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.done:
			return Delivery{}, ErrClosed
		default:
		}

		msg, err := s.fetch()
		if err != nil {
			return Delivery{}, err
		}
		if msg == nil {
			continue
		}

		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Term()
			return Delivery{}, fmt.Errorf("message metadata: %w", err)
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)

		var m Message
		if err := json.Unmarshal(msg.Data(), &m); err != nil {
			_ = msg.Term()
			return Delivery{}, fmt.Errorf("decode message %s: %w", id, err)
		}

		s.mu.Lock()
		s.pending[id] = msg
		s.mu.Unlock()
		return Delivery{ID: id, Message: m}, nil
	}
}

// fetch pulls a single message, returning nil when the pull expired empty.
func (s *jetStreamSubscription) fetch() (jetstream.Msg, error) {
	batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(s.log.config.FetchWait))
	if err != nil {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		if msg == nil {
			msg = m
		}
	}
	if msg != nil {
		return msg, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return msg, nil
}

func (s *jetStreamSubscription) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	msg, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack %s: not pending", id)
	}
	return msg.Ack()
}

func (s *jetStreamSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ephemeral != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if derr := s.log.stream.DeleteConsumer(ctx, s.ephemeral); derr != nil && !errors.Is(derr, jetstream.ErrConsumerNotFound) {
				err = fmt.Errorf("delete consumer %s: %w", s.ephemeral, derr)
			}
		}
	})
	return err
}
