package asset

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/renderfarm-mini/internal/blob"
	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// CachePool is the part of the session pool the service needs.
type CachePool interface {
	Get(ctx context.Context, session *models.Session) (*SessionCache, error)
	FindAll(match func(*SessionCache) bool) []*SessionCache
}

type Deps struct {
	Blobs  blob.Store
	Caches CachePool
	Logger *zap.Logger

	PublicURL    string
	MajorVersion int
}

// StoreRequest describes one upload. Hash, when set, addresses the bytes by
// content. UseCache binds an already stored hash without sending bytes.
type StoreRequest struct {
	Kind     Kind
	UUID     string
	Data     []byte
	Hash     string
	UseCache bool
}

// Ref identifies stored bytes by hash or, when Hash is empty, by uuid.
type Ref struct {
	Kind Kind
	UUID string
	Hash string
}

// Stats counts blob traffic since start.
type Stats struct {
	Writes      int64
	DedupedHits int64
	HashReads   int64
}

type Service struct {
	deps Deps
	urls urlBuilder

	writes    atomic.Int64
	dedupHits atomic.Int64
	hashReads atomic.Int64
}

func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		deps: deps,
		urls: urlBuilder{publicURL: deps.PublicURL, majorVersion: deps.MajorVersion},
	}
}

// Store writes the bytes unless their hash is already stored, binds the
// uuid in the session's cache and returns the download url. The session must
// be open.
func (s *Service) Store(ctx context.Context, session *models.Session, req StoreRequest) (string, error) {
	if req.UUID == "" {
		return "", derror.Validation("missing asset uuid")
	}
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return "", err
	}
	logger := s.deps.Logger.With(
		zap.String("session-guid", session.Guid),
		zap.String("kind", string(req.Kind)),
		zap.String("uuid", req.UUID))

	cache, err := s.deps.Caches.Get(ctx, session)
	if err != nil {
		return "", err
	}

	switch {
	case req.UseCache:
		if req.Hash == "" {
			return "", derror.Validation("use_cache requires a content hash")
		}
		ok, err := s.deps.Blobs.Exists(ctx, cacheKey(req.Kind, req.Hash))
		if err != nil {
			return "", err
		}
		if !ok {
			return "", derror.NotFound("%s cache %s not found", req.Kind, req.Hash)
		}
		s.dedupHits.Inc()
	case len(req.Data) == 0:
		return "", derror.Validation("missing asset data")
	case req.Hash != "":
		ok, err := s.deps.Blobs.Exists(ctx, cacheKey(req.Kind, req.Hash))
		if err != nil {
			return "", err
		}
		if ok {
			s.dedupHits.Inc()
			logger.Debug("content already stored", zap.String("content-hash", req.Hash))
			break
		}
		if err := s.deps.Blobs.Put(ctx, cacheKey(req.Kind, req.Hash), req.Data); err != nil {
			return "", err
		}
		s.writes.Inc()
	default:
		if err := s.deps.Blobs.Put(ctx, uploadKey(req.Kind, req.UUID), req.Data); err != nil {
			return "", err
		}
		s.writes.Inc()
	}

	b := s.newBinding(req.Kind, req.UUID, req.Hash)
	cache.bind(b)

	logger.Info("asset stored", zap.String("content-hash", req.Hash), zap.String("url", b.downloadURL))
	return b.downloadURL, nil
}

// Fetch reads stored bytes. Reads by hash refresh the blob's access time.
func (s *Service) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	if _, err := ParseKind(string(ref.Kind)); err != nil {
		return nil, err
	}
	if ref.Hash == "" {
		if ref.UUID == "" {
			return nil, derror.Validation("missing asset uuid or hash")
		}
		return s.deps.Blobs.Get(ctx, uploadKey(ref.Kind, ref.UUID))
	}

	key := cacheKey(ref.Kind, ref.Hash)
	if err := s.deps.Blobs.Touch(ctx, key); err != nil {
		return nil, err
	}
	s.hashReads.Inc()
	return s.deps.Blobs.Get(ctx, key)
}

// Exists reports whether bytes with the hash are stored.
func (s *Service) Exists(ctx context.Context, kind Kind, hash string) (bool, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return false, err
	}
	if hash == "" {
		return false, derror.Validation("missing content hash")
	}
	return s.deps.Blobs.Exists(ctx, cacheKey(kind, hash))
}

// Update applies a new descriptor to the binding of uuid, wherever it is.
// The asset may have been stored by a different session than the caller's.
func (s *Service) Update(ctx context.Context, session *models.Session, kind Kind, uuid string, doc json.RawMessage, reupload bool) error {
	b, err := s.locate(kind, uuid)
	if err != nil {
		return err
	}
	if err := b.Put(ctx, doc, reupload); err != nil {
		return err
	}
	s.deps.Logger.Info("asset updated",
		zap.String("session-guid", session.Guid),
		zap.String("uuid", uuid),
		zap.Bool("reupload", reupload))
	return nil
}

// Delete drops the binding of uuid from the session's cache and removes
// uuid-addressed bytes.
func (s *Service) Delete(ctx context.Context, session *models.Session, kind Kind, uuid string) error {
	cache, err := s.deps.Caches.Get(ctx, session)
	if err != nil {
		return err
	}
	b, ok := cache.Lookup(uuid)
	if !ok || b.Kind != kind {
		return derror.NotFound("%s %s not found", kind, uuid)
	}
	if err := b.Delete(ctx); err != nil {
		return err
	}
	cache.remove(uuid)
	return nil
}

// Binding returns the live binding of uuid across all sessions.
func (s *Service) Binding(kind Kind, uuid string) (*Binding, error) {
	return s.locate(kind, uuid)
}

func (s *Service) Stats() Stats {
	return Stats{
		Writes:      s.writes.Load(),
		DedupedHits: s.dedupHits.Load(),
		HashReads:   s.hashReads.Load(),
	}
}

func (s *Service) locate(kind Kind, uuid string) (*Binding, error) {
	caches := s.deps.Caches.FindAll(func(c *SessionCache) bool {
		b, ok := c.Lookup(uuid)
		return ok && b.Kind == kind
	})
	if len(caches) == 0 {
		return nil, derror.NotFound("%s %s not found", kind, uuid)
	}
	b, ok := caches[0].Lookup(uuid)
	if !ok {
		return nil, derror.NotFound("%s %s not found", kind, uuid)
	}
	return b, nil
}

func (s *Service) newBinding(kind Kind, uuid, hash string) *Binding {
	b := &Binding{UUID: uuid, Kind: kind, hash: hash, blobs: s.deps.Blobs, urls: s.urls}
	if hash != "" {
		b.downloadURL = s.urls.cache(kind, hash)
	} else {
		b.downloadURL = s.urls.upload(kind, uuid)
	}
	return b
}

type urlBuilder struct {
	publicURL    string
	majorVersion int
}

func (u urlBuilder) cache(kind Kind, hash string) string {
	return fmt.Sprintf("%s/v%d/three/%s/cache/%s/file", u.publicURL, u.majorVersion, kind, hash)
}

func (u urlBuilder) upload(kind Kind, uuid string) string {
	return fmt.Sprintf("%s/v%d/three/%s/%s/file", u.publicURL, u.majorVersion, kind, uuid)
}

func cacheKey(kind Kind, hash string) string {
	return fmt.Sprintf("%s/cache/%s.zip", kind, hash)
}

func uploadKey(kind Kind, uuid string) string {
	return fmt.Sprintf("%s/upload/%s.zip", kind, uuid)
}
