// Package asset deduplicates binary scene asset uploads.
//
// Bytes live in a blob store, either under a content hash shared by every
// session or under the asset uuid. Each open session owns a SessionCache
// mapping asset uuids to their bindings; the cache is pooled per session and
// dropped when the session ends.
package asset

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/shehryarbajwa/renderfarm-mini/internal/blob"
	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/internal/pool"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Kind is the asset family; each kind has its own blob namespace.
type Kind string

const (
	KindGeometry Kind = "geometry"
	KindMaterial Kind = "material"
	KindTexture  Kind = "texture"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindGeometry, KindMaterial, KindTexture:
		return k, nil
	}
	return "", derror.Validation("unknown asset kind %q", s)
}

// Binding ties an asset uuid to the blob holding its bytes.
type Binding struct {
	UUID string
	Kind Kind

	mu          sync.Mutex
	hash        string
	downloadURL string
	doc         json.RawMessage
	blobs       blob.Store
	urls        urlBuilder
}

// Hash is empty when the bytes are addressed by uuid.
func (b *Binding) Hash() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hash
}

func (b *Binding) DownloadURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downloadURL
}

// Doc returns the latest descriptor set through Put, if any.
func (b *Binding) Doc() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(json.RawMessage(nil), b.doc...)
}

func (b *Binding) key() string {
	if b.hash != "" {
		return cacheKey(b.Kind, b.hash)
	}
	return uploadKey(b.Kind, b.UUID)
}

// Get reads the bound bytes.
func (b *Binding) Get(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	key := b.key()
	b.mu.Unlock()
	return b.blobs.Get(ctx, key)
}

// Put replaces the binding's descriptor. With reupload the descriptor also
// becomes the bound bytes; a hash-addressed binding is moved to its uuid
// path first since shared content must never change.
func (b *Binding) Put(ctx context.Context, doc json.RawMessage, reupload bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reupload {
		if err := b.blobs.Put(ctx, uploadKey(b.Kind, b.UUID), doc); err != nil {
			return err
		}
		b.hash = ""
		b.downloadURL = b.urls.upload(b.Kind, b.UUID)
	}
	b.doc = append(json.RawMessage(nil), doc...)
	return nil
}

// Delete removes uuid-addressed bytes. Hash-addressed blobs are shared and
// left for the reaper.
func (b *Binding) Delete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hash != "" {
		return nil
	}
	return b.blobs.Delete(ctx, uploadKey(b.Kind, b.UUID))
}

// SessionCache is the uuid to binding map of one session.
type SessionCache struct {
	SessionGuid string

	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewSessionCache(sessionGuid string) *SessionCache {
	return &SessionCache{SessionGuid: sessionGuid, bindings: make(map[string]*Binding)}
}

func (c *SessionCache) Lookup(uuid string) (*Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bindings[uuid]
	return b, ok
}

func (c *SessionCache) Has(uuid string) bool {
	_, ok := c.Lookup(uuid)
	return ok
}

func (c *SessionCache) bind(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[b.UUID] = b
}

func (c *SessionCache) remove(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, uuid)
}

// UUIDs lists the bound asset uuids in order.
func (c *SessionCache) UUIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uuids := make([]string, 0, len(c.bindings))
	for uuid := range c.bindings {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}

func (c *SessionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = make(map[string]*Binding)
}

// CacheStrategy makes session caches poolable. A cache needs no handshake;
// teardown only forgets the bindings.
type CacheStrategy struct{}

var _ pool.Strategy[*SessionCache] = CacheStrategy{}

func (CacheStrategy) New(_ context.Context, session *models.Session) (*SessionCache, error) {
	return NewSessionCache(session.Guid), nil
}

func (CacheStrategy) SetupSteps(*models.Session) []pool.Step[*SessionCache] {
	return nil
}

func (CacheStrategy) TeardownSteps(*models.Session) []pool.Step[*SessionCache] {
	return []pool.Step[*SessionCache]{{
		Name: "clear cache",
		Run: func(_ context.Context, c *SessionCache) error {
			c.clear()
			return nil
		},
	}}
}

func (CacheStrategy) Discard(*SessionCache) {}
