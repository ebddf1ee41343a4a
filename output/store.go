// Package output stores the outputs produced by synchronous request tasks so
// the workflow engine can read them back by workflow and step index.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// ErrNotFound is returned when no output is stored for a task.
var ErrNotFound = errors.New("output not found")

// Store persists task outputs.
type Store interface {
	// Put stores value as the output of step index of workflow.
	Put(ctx context.Context, workflow string, index int, value any) error

	// Get returns the stored output, or ErrNotFound.
	Get(ctx context.Context, workflow string, index int) (any, error)
}

// Memory is an in-process Store. Values are stored JSON-encoded.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func memoryKey(workflow string, index int) string {
	return workflow + "\x00" + strconv.Itoa(index)
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, workflow string, index int, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	m.mu.Lock()
	m.values[memoryKey(workflow, index)] = data
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, workflow string, index int) (any, error) {
	m.mu.RLock()
	data, ok := m.values[memoryKey(workflow, index)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return v, nil
}
