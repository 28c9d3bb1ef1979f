package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-memory implementation of KV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates a new MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// View runs fn against a read-only snapshot.
func (m *MemoryKV) View(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTxn{base: m.data, readOnly: true})
}

// Update runs fn and commits its writes when it returns nil.
func (m *MemoryKV) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &memoryTxn{base: m.data, writes: map[string][]byte{}, deletes: map[string]struct{}{}}
	if err := fn(txn); err != nil {
		return err
	}
	for key := range txn.deletes {
		delete(m.data, key)
	}
	for key, value := range txn.writes {
		m.data[key] = value
	}
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryKV) Close() error {
	return nil
}

var errReadOnly = errors.New("write in read-only transaction")

type memoryTxn struct {
	base     map[string][]byte
	writes   map[string][]byte
	deletes  map[string]struct{}
	readOnly bool
}

func (t *memoryTxn) Get(key string) ([]byte, error) {
	if value, ok := t.writes[key]; ok {
		return clone(value), nil
	}
	if _, ok := t.deletes[key]; ok {
		return nil, ErrKeyNotFound
	}
	value, ok := t.base[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return clone(value), nil
}

func (t *memoryTxn) Set(key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.deletes, key)
	t.writes[key] = clone(value)
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.writes, key)
	t.deletes[key] = struct{}{}
	return nil
}

func (t *memoryTxn) Scan(prefix string, fn func(key string, value []byte) error) error {
	keys := make([]string, 0)
	for key := range t.base {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, deleted := t.deletes[key]; deleted {
			continue
		}
		if _, overwritten := t.writes[key]; overwritten {
			continue
		}
		keys = append(keys, key)
	}
	for key := range t.writes {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, err := t.Get(key)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
