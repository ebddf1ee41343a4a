package output

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
)

// KV stores outputs in a JetStream key-value bucket under
// "<token>.<index>", where token is the unpadded base64url form of the
// workflow id.
type KV struct {
	kv jetstream.KeyValue
}

// NewKV ensures the bucket exists and returns a store over it.
func NewKV(ctx context.Context, js jetstream.JetStream, bucket string) (*KV, error) {
	if bucket == "" {
		bucket = "TASK_OUTPUT"
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Outputs of synchronous request tasks",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

// Key returns the bucket key for a task output.
func Key(workflow string, index int) string {
	return keyToken(workflow) + "." + strconv.Itoa(index)
}

// keyToken encodes s in the KV key alphabet. Distinct ids give distinct
// tokens; "_" is never an encoding, so it stands for the empty id.
func keyToken(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Put implements Store.
func (s *KV) Put(ctx context.Context, workflow string, index int, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if _, err := s.kv.Put(ctx, Key(workflow, index), data); err != nil {
		return fmt.Errorf("put output %s: %w", Key(workflow, index), err)
	}
	return nil
}

// Get implements Store.
func (s *KV) Get(ctx context.Context, workflow string, index int) (any, error) {
	entry, err := s.kv.Get(ctx, Key(workflow, index))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output %s: %w", Key(workflow, index), err)
	}
	return decode(entry.Value())
}
