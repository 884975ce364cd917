package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryGateway implements Gateway using in-process memory storage.
// It's primarily intended for testing purposes.
type MemoryGateway struct {
	mu       sync.RWMutex
	objects  map[string]memObject
	userHash string
}

type memObject struct {
	data     []byte
	modified time.Time
}

// NewMemoryGateway creates a new MemoryGateway scoped to the given user.
func NewMemoryGateway(userEmail string) *MemoryGateway {
	if userEmail == "" {
		userEmail = AnonymousEmail
	}
	return &MemoryGateway{
		objects:  make(map[string]memObject),
		userHash: UserHash(userEmail),
	}
}

// Save stores a copy of content under the computed key.
func (g *MemoryGateway) Save(ctx context.Context, content []byte, filename, sessionID string) (string, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = memObject{data: append([]byte(nil), content...), modified: time.Now()}
	return key, nil
}

// SaveStream reads the body fully and stores it as one object.
func (g *MemoryGateway) SaveStream(ctx context.Context, r io.Reader, filename, sessionID string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		key, _ := objectKey(g.userHash, filename, sessionID)
		return "", &Error{Op: "save", Key: key, Err: err}
	}
	return g.Save(ctx, data, filename, sessionID)
}

// Get returns a copy of the stored bytes.
func (g *MemoryGateway) Get(ctx context.Context, filename, sessionID string) ([]byte, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Delete removes the object. Returns true if an object existed.
func (g *MemoryGateway) Delete(ctx context.Context, filename, sessionID string) (bool, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.objects[key]; !ok {
		return false, nil
	}
	delete(g.objects, key)
	return true, nil
}

// List returns the objects under the computed prefix in key order.
func (g *MemoryGateway) List(ctx context.Context, prefix, sessionID string) ([]ObjectInfo, error) {
	keyPrefix, err := listPrefix(g.userHash, prefix, sessionID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var infos []ObjectInfo
	for key, obj := range g.objects {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		infos = append(infos, ObjectInfo{
			Name:     strings.TrimPrefix(key, keyPrefix),
			Size:     int64(len(obj.data)),
			Modified: obj.modified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// URL returns the serving path for the object.
func (g *MemoryGateway) URL(filename, sessionID string) string {
	return fileURL(g.userHash, filename, sessionID)
}

// UserHash returns the 12-character partition prefix of the bound user.
func (g *MemoryGateway) UserHash() string { return g.userHash }
