package kvstore

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Memory is a process-local KV. Values are copied on the way in and out.
type Memory struct {
	data *xsync.MapOf[string, []byte]
}

func NewMemory() *Memory {
	return &Memory{data: xsync.NewMapOf[string, []byte]()}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.data.Store(key, v)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
