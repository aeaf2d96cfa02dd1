package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryArtifactStore keeps artifacts in process memory. It backs local
// development and tests.
type MemoryArtifactStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	content     []byte
	contentType string
}

// NewMemoryArtifactStore creates an empty store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string]memoryObject)}
}

// Put stores a copy of content
func (s *MemoryArtifactStore) Put(_ context.Context, p string, content []byte, contentType string) error {
	key, err := objectKey("", p)
	if err != nil {
		return err
	}
	data := make([]byte, len(content))
	copy(data, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{content: data, contentType: contentType}
	return nil
}

// Get returns a copy of the stored content
func (s *MemoryArtifactStore) Get(_ context.Context, p string) ([]byte, error) {
	key, err := objectKey("", p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	data := make([]byte, len(obj.content))
	copy(data, obj.content)
	return data, nil
}

// ContentType returns the content type recorded for p
func (s *MemoryArtifactStore) ContentType(p string) string {
	key, err := objectKey("", p)
	if err != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key].contentType
}

// Len returns the number of stored objects
func (s *MemoryArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
