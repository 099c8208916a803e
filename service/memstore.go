package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// StoredObject is one object held by MemoryStore.
type StoredObject struct {
	Body        []byte
	ContentType string
	KMSKeyID    string
	WrittenAt   time.Time
	seq         int
}

// MemoryStore is an in-process ObjectStore for local runs and tests.
// It enforces the same encryption-key contract as MinioStore.
type MemoryStore struct {
	objects    map[string]*StoredObject
	mu         sync.RWMutex
	maxObjects int // Maximum objects to keep, 0 = unlimited
	puts       int
}

func NewMemoryStore(maxObjects int) *MemoryStore {
	if maxObjects < 0 {
		maxObjects = 0
	}
	return &MemoryStore{
		objects:    make(map[string]*StoredObject),
		maxObjects: maxObjects,
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType, kmsKeyID string) error {
	if kmsKeyID == "" {
		return ErrMissingEncryptionKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = &StoredObject{
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
		KMSKeyID:    kmsKeyID,
		WrittenAt:   time.Now(),
		seq:         s.puts,
	}
	s.puts++

	s.cleanupIfNeeded()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), obj.Body...), nil
}

// Object returns the stored object with its metadata, or nil.
func (s *MemoryStore) Object(key string) *StoredObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil
	}
	cp := *obj
	return &cp
}

// Keys returns every key currently stored, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutCount returns the number of successful writes.
func (s *MemoryStore) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// cleanupIfNeeded removes the oldest objects if the store exceeds maxObjects
// Must be called with lock held
func (s *MemoryStore) cleanupIfNeeded() {
	if s.maxObjects <= 0 || len(s.objects) <= s.maxObjects {
		return
	}

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.objects[keys[i]].seq < s.objects[keys[j]].seq
	})

	removeCount := len(keys) - s.maxObjects
	for i := 0; i < removeCount; i++ {
		slog.Info("evicting object from memory store", "key", keys[i])
		delete(s.objects, keys[i])
	}
}
