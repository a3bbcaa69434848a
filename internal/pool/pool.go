// Package pool binds at most one lazily constructed resource to each open session.
//
// Construction runs the ordered setup steps of a Strategy; the first failing
// step discards the resource and nothing is retained, so the next Get starts
// over. Teardown runs when the owning session leaves the open state and is
// best-effort: step failures are logged and the entry is removed regardless.
// Once a session is evicted the pool never builds a resource for it again.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/internal/events"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Step is one named stage of a setup or teardown sequence.
type Step[T any] struct {
	Name string
	Run  func(ctx context.Context, resource T) error
}

// Strategy supplies the resource-specific behaviour of a Pool.
type Strategy[T any] interface {
	// New instantiates an unconnected resource for the session.
	New(ctx context.Context, session *models.Session) (T, error)
	// SetupSteps returns the handshake that makes a new resource usable.
	SetupSteps(session *models.Session) []Step[T]
	// TeardownSteps returns the sequence run when the session is over.
	TeardownSteps(session *models.Session) []Step[T]
	// Discard releases a resource whose setup failed or that went bad.
	Discard(resource T)
}

// HealthChecker is implemented by strategies whose resources can break
// while pooled. An unhealthy entry is discarded on lookup and rebuilt.
type HealthChecker[T any] interface {
	Healthy(resource T) bool
}

// Acquirer is the read side of a Pool used by other components.
type Acquirer[T any] interface {
	Get(ctx context.Context, session *models.Session) (T, error)
}

type entry[T any] struct {
	session   *models.Session
	resource  T
	touchedAt time.Time
}

// Deps holds everything a Pool is built from.
type Deps[T any] struct {
	Strategy Strategy[T]
	Logger   *zap.Logger
	Clock    clock.Clock
	// Name labels log lines of this pool instance.
	Name string
	// TeardownTimeout bounds the whole teardown sequence of one entry.
	TeardownTimeout time.Duration
	// Evicted runs once per evicted session, after its resource (if any)
	// has been torn down.
	Evicted func(session *models.Session)
}

// Pool is safe for concurrent use. Operations on different sessions never
// wait for each other.
type Pool[T any] struct {
	deps   Deps[T]
	logger *zap.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry[T]
	// building maps guids under construction to the terminal snapshot of the
	// session, or nil while it is still open.
	building map[string]*models.Session
	// ended holds every evicted guid. Guids are never reused.
	ended map[string]struct{}

	evictions sync.WaitGroup
}

var _ Acquirer[int] = (*Pool[int])(nil)

func New[T any](deps Deps[T]) *Pool[T] {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.TeardownTimeout <= 0 {
		deps.TeardownTimeout = 30 * time.Second
	}
	return &Pool[T]{
		deps:     deps,
		logger:   deps.Logger.With(zap.String("pool", deps.Name)),
		entries:  make(map[string]*entry[T]),
		building: make(map[string]*models.Session),
		ended:    make(map[string]struct{}),
	}
}

// Get returns the session's resource, constructing it on first use.
// Concurrent calls for one session share a single construction.
func (p *Pool[T]) Get(ctx context.Context, session *models.Session) (T, error) {
	var zero T
	if !session.Open() {
		return zero, derror.NotFound("session %s is %s", session.Guid, session.State)
	}
	if res, ok := p.lookup(session.Guid); ok {
		return res, nil
	}

	v, err, _ := p.group.Do(session.Guid, func() (any, error) {
		if res, ok := p.lookup(session.Guid); ok {
			return res, nil
		}
		return p.construct(ctx, session)
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (p *Pool[T]) lookup(guid string) (T, bool) {
	var zero T

	p.mu.Lock()
	e, ok := p.entries[guid]
	if !ok {
		p.mu.Unlock()
		return zero, false
	}
	if !p.healthy(e.resource) {
		delete(p.entries, guid)
		p.mu.Unlock()
		p.logger.Warn("dropping unhealthy pool entry", zap.String("session-guid", guid))
		p.deps.Strategy.Discard(e.resource)
		return zero, false
	}
	e.touchedAt = p.deps.Clock.Now()
	p.mu.Unlock()
	return e.resource, true
}

func (p *Pool[T]) healthy(res T) bool {
	hc, ok := any(p.deps.Strategy).(HealthChecker[T])
	return !ok || hc.Healthy(res)
}

func (p *Pool[T]) construct(ctx context.Context, session *models.Session) (T, error) {
	var zero T
	logger := p.logger.With(zap.String("session-guid", session.Guid))

	p.mu.Lock()
	if _, ok := p.ended[session.Guid]; ok {
		p.mu.Unlock()
		return zero, derror.NotFound("session %s has ended", session.Guid)
	}
	p.building[session.Guid] = nil
	p.mu.Unlock()

	res, err := p.build(ctx, session, logger)

	p.mu.Lock()
	endedAs := p.building[session.Guid]
	delete(p.building, session.Guid)
	if err == nil && endedAs == nil {
		p.entries[session.Guid] = &entry[T]{
			session:   session.Clone(),
			resource:  res,
			touchedAt: p.deps.Clock.Now(),
		}
	}
	p.mu.Unlock()

	if endedAs != nil {
		// Evict left the teardown and the hook to us.
		if err == nil {
			logger.Info("session ended during construction, tearing down")
			p.teardown(endedAs, res)
		}
		p.evicted(endedAs)
		if err == nil {
			return zero, derror.NotFound("session %s ended during resource construction", session.Guid)
		}
	}
	if err != nil {
		return zero, err
	}

	logger.Info("pool entry added")
	return res, nil
}

func (p *Pool[T]) build(ctx context.Context, session *models.Session, logger *zap.Logger) (T, error) {
	var zero T

	res, err := p.deps.Strategy.New(ctx, session)
	if err != nil {
		logger.Warn("failed to instantiate resource", zap.Error(err))
		return zero, derror.PoolConstruction(err, "instantiate resource")
	}

	for _, step := range p.deps.Strategy.SetupSteps(session) {
		if err := step.Run(ctx, res); err != nil {
			logger.Warn("setup step failed", zap.String("step", step.Name), zap.Error(err))
			p.deps.Strategy.Discard(res)
			return zero, derror.PoolConstruction(err, step.Name)
		}
		logger.Debug("setup step done", zap.String("step", step.Name))
	}
	return res, nil
}

// FindOne returns the first live resource matching match.
func (p *Pool[T]) FindOne(match func(T) bool) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.entries {
		if match(e.resource) {
			return e.resource, true
		}
	}
	var zero T
	return zero, false
}

// FindAll returns every live resource matching match.
func (p *Pool[T]) FindAll(match func(T) bool) []T {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []T
	for _, e := range p.entries {
		if match(e.resource) {
			result = append(result, e.resource)
		}
	}
	return result
}

// Len returns the number of live entries.
func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Evict removes the session's entry, tears its resource down and refuses any
// later Get for the session. A construction in flight for the session is torn
// down once it completes. Evicting a session twice is a no-op.
func (p *Pool[T]) Evict(session *models.Session) {
	p.mu.Lock()
	if _, done := p.ended[session.Guid]; done {
		p.mu.Unlock()
		return
	}
	p.ended[session.Guid] = struct{}{}
	_, building := p.building[session.Guid]
	if building {
		p.building[session.Guid] = session.Clone()
	}
	e, ok := p.entries[session.Guid]
	delete(p.entries, session.Guid)
	p.mu.Unlock()

	if ok {
		// Teardown sees the terminal state that caused the eviction.
		p.teardown(session, e.resource)
		p.logger.Info("pool entry removed", zap.String("session-guid", session.Guid))
	}
	if !building {
		p.evicted(session)
	}
}

func (p *Pool[T]) evicted(session *models.Session) {
	if p.deps.Evicted != nil {
		p.deps.Evicted(session)
	}
}

func (p *Pool[T]) teardown(session *models.Session, res T) {
	ctx, cancel := context.WithTimeout(context.Background(), p.deps.TeardownTimeout)
	defer cancel()

	for _, step := range p.deps.Strategy.TeardownSteps(session) {
		if err := step.Run(ctx, res); err != nil {
			p.logger.Warn("teardown step failed",
				zap.String("session-guid", session.Guid),
				zap.String("step", step.Name),
				zap.Error(err))
		}
	}
}

// Watch evicts entries for every terminal session event until ctx is done
// or events is closed. Evictions run concurrently; Close waits for them.
func (p *Pool[T]) Watch(ctx context.Context, sessionEvents <-chan events.SessionEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sessionEvents:
			if !ok {
				return nil
			}
			if ev.Type.Terminal() {
				p.evictions.Add(1)
				go func(session *models.Session) {
					defer p.evictions.Done()
					p.Evict(session)
				}(ev.Session)
			}
		}
	}
}

// Close waits for evictions started by Watch and tears down every live entry.
func (p *Pool[T]) Close() {
	p.evictions.Wait()

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry[T])
	p.mu.Unlock()

	for guid, e := range entries {
		p.teardown(e.session, e.resource)
		p.logger.Info("pool entry removed on close", zap.String("session-guid", guid))
	}
}
