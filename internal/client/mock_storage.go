package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned by MockStorage for unknown keys
var ErrObjectNotFound = errors.New("object not found")

// MockStorage keeps objects in memory. Used in development when no bucket is
// configured and in tests.
type MockStorage struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]mockObject
}

type mockObject struct {
	data        []byte
	contentType string
}

// NewMockStorage returns an empty store serving URLs under baseURL
func NewMockStorage(baseURL string) *MockStorage {
	if baseURL == "" {
		baseURL = "http://localhost:8000/mock"
	}
	return &MockStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]mockObject),
	}
}

func (m *MockStorage) Put(ctx context.Context, data []byte, contentType, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.objects[key] = mockObject{data: buf, contentType: contentType}
	m.mu.Unlock()

	return m.GetPublicURL(key), nil
}

func (m *MockStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return obj.data, nil
}

func (m *MockStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MockStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("%s?expires=%d", m.GetPublicURL(key), int(expiry.Seconds())), nil
}

func (m *MockStorage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/%s", m.baseURL, key)
}

// ContentType returns the content type an object was stored with
func (m *MockStorage) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

// Keys lists stored keys in lexical order
func (m *MockStorage) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
