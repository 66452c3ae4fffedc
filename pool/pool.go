// Package pool implements a bounded pool of long-lived connections to an
// external resource, such as a database.
//
// A Pool never holds more than MaxSize live connections. Callers that find
// the pool at capacity wait on a semaphore for at most ConnectionTimeout and
// then fail with ErrExhausted. Idle connections are evicted once they have
// been unused for IdleTimeout, and every connection is destroyed once it is
// older than MaxLifetime.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrExhausted is returned when no connection became available within
	// the connection timeout. It is transient; callers may retry.
	ErrExhausted = errors.New("pool: timed out waiting for a connection")

	// ErrCreationFailed wraps the error of a failed Manager.Connect.
	ErrCreationFailed = errors.New("pool: could not establish connection")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// Manager creates and destroys the connections held by a Pool.
type Manager[T any] interface {
	Connect(ctx context.Context) (T, error)
	Close(conn T) error
	// Broken reports whether conn can no longer be used. It is called
	// without any pool lock held and must be cheap.
	Broken(conn T) bool
}

type slot[T any] struct {
	conn      T
	createdAt time.Time
	lastUsed  time.Time
}

// Option customizes a Pool.
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
	now    func() time.Time
}

// WithLogger sets the logger used for creation failures and evictions.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Pool is a bounded pool of connections of type T. It is safe for
// concurrent use.
type Pool[T any] struct {
	mgr Manager[T]
	cfg Config
	log logrus.FieldLogger
	now func() time.Time

	// sem bounds checkouts; waiters queue inside it.
	sem *semaphore.Weighted

	mu       sync.Mutex
	idle     []*slot[T] // most recently used last
	live     int        // idle + checked out + being created
	creating int        // slots counted in live whose Connect is in flight
	closed   bool
	notify   chan struct{}

	waiting   atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
	exhausted atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a pool, eagerly opens MinIdle connections and starts the
// background reaper. It fails if any of the initial connections cannot be
// established.
func New[T any](ctx context.Context, mgr Manager[T], cfg Config, opts ...Option) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[T]{
		mgr:    mgr,
		cfg:    cfg,
		log:    o.logger,
		now:    o.now,
		sem:    semaphore.NewWeighted(int64(cfg.MaxSize)),
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if err := p.replenish(ctx); err != nil {
		p.cancel()
		close(p.done)
		p.Close()
		return nil, err
	}

	go p.reaper()
	return p, nil
}

// Acquire checks out a connection, creating one if none is idle and the
// pool is below MaxSize. It waits at most ConnectionTimeout. If ctx ends
// first, ctx's error is returned instead of ErrExhausted.
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	p.waiting.Add(1)
	err := p.sem.Acquire(waitCtx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return nil, p.waitErr(ctx)
	}

	s, err := p.checkout(waitCtx)
	if err != nil {
		p.sem.Release(1)
		if errors.Is(err, errWaitExpired) {
			return nil, p.waitErr(ctx)
		}
		return nil, err
	}
	return &Handle[T]{pool: p, slot: s}, nil
}

// With runs fn with a checked-out connection and releases it on every exit
// path, including a panic in fn.
func (p *Pool[T]) With(ctx context.Context, fn func(conn T) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Value())
}

var errWaitExpired = errors.New("pool: wait expired")

func (p *Pool[T]) waitErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.exhausted.Add(1)
	return ErrExhausted
}

// checkout is called with one unit of sem held.
func (p *Pool[T]) checkout(ctx context.Context) (*slot[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		now := p.now()
		var stale []*slot[T]
		var found *slot[T]
		for len(p.idle) > 0 {
			s := p.idle[len(p.idle)-1]
			p.idle[len(p.idle)-1] = nil
			p.idle = p.idle[:len(p.idle)-1]
			if p.expired(s, now) {
				stale = append(stale, s)
				p.live--
				continue
			}
			found = s
			break
		}

		if found != nil {
			if len(stale) > 0 {
				p.signal()
			}
			p.mu.Unlock()
			p.destroyAll(stale)
			if p.mgr.Broken(found.conn) {
				p.discard(found)
				continue
			}
			return found, nil
		}

		if p.live < p.cfg.MaxSize {
			p.live++
			p.creating++
			p.mu.Unlock()
			p.destroyAll(stale)
			return p.create(ctx)
		}

		// Capacity is taken by connections still being created by the
		// reaper. Wait for one of them to land or for a slot to go away.
		wait := p.notify
		p.mu.Unlock()
		p.destroyAll(stale)
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errWaitExpired
		}
	}
}

// create opens a connection for a slot already counted in live and
// creating. Connect runs without mu held.
func (p *Pool[T]) create(ctx context.Context) (*slot[T], error) {
	conn, err := p.mgr.Connect(ctx)
	p.mu.Lock()
	p.creating--
	if err != nil {
		p.live--
		p.signal()
		p.mu.Unlock()
		p.log.WithError(err).Warn("pool: connection failed")
		return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}
	p.mu.Unlock()
	p.created.Add(1)
	now := p.now()
	return &slot[T]{conn: conn, createdAt: now, lastUsed: now}, nil
}

// put returns a checked-out slot and frees its unit of sem.
func (p *Pool[T]) put(s *slot[T], discard bool) {
	now := p.now()
	if !discard {
		discard = p.pastLifetime(s, now) || p.mgr.Broken(s.conn)
	}

	p.mu.Lock()
	if discard || p.closed {
		p.live--
		p.signal()
		p.mu.Unlock()
		p.sem.Release(1)
		p.destroy(s)
		return
	}
	s.lastUsed = now
	p.idle = append(p.idle, s)
	p.signal()
	p.mu.Unlock()
	p.sem.Release(1)
}

// discard destroys a slot that was popped from idle during checkout.
func (p *Pool[T]) discard(s *slot[T]) {
	p.mu.Lock()
	p.live--
	p.signal()
	p.mu.Unlock()
	p.destroy(s)
}

func (p *Pool[T]) destroy(s *slot[T]) {
	p.destroyed.Add(1)
	if err := p.mgr.Close(s.conn); err != nil {
		p.log.WithError(err).Debug("pool: closing connection")
	}
}

func (p *Pool[T]) destroyAll(slots []*slot[T]) {
	for _, s := range slots {
		p.destroy(s)
	}
}

// signal wakes checkouts waiting for capacity. Must hold mu.
func (p *Pool[T]) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool[T]) expired(s *slot[T], now time.Time) bool {
	if p.pastLifetime(s, now) {
		return true
	}
	return p.cfg.IdleTimeout > 0 && now.Sub(s.lastUsed) > p.cfg.IdleTimeout
}

func (p *Pool[T]) pastLifetime(s *slot[T], now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(s.createdAt) > p.cfg.MaxLifetime
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Reap evicts idle connections past IdleTimeout or MaxLifetime and then
// opens connections until MinIdle are idle, never exceeding MaxSize.
func (p *Pool[T]) Reap(ctx context.Context) error {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	var stale []*slot[T]
	kept := p.idle[:0]
	for _, s := range p.idle {
		if p.expired(s, now) {
			stale = append(stale, s)
			p.live--
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	if len(stale) > 0 {
		p.signal()
	}
	p.mu.Unlock()

	if len(stale) > 0 {
		p.log.WithField("evicted", len(stale)).Debug("pool: reaped idle connections")
	}
	p.destroyAll(stale)
	return p.replenish(ctx)
}

func (p *Pool[T]) replenish(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle || p.live >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil
		}
		p.live++
		p.creating++
		p.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		s, err := p.create(cctx)
		cancel()
		if err != nil {
			return err
		}

		p.mu.Lock()
		if p.closed {
			p.live--
			p.mu.Unlock()
			p.destroy(s)
			return ErrClosed
		}
		p.idle = append(p.idle, s)
		p.signal()
		p.mu.Unlock()
	}
}

func (p *Pool[T]) reaper() {
	defer close(p.done)
	if p.cfg.ReapInterval <= 0 {
		return
	}
	t := time.NewTicker(p.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			if err := p.Reap(p.ctx); err != nil && !errors.Is(err, ErrClosed) {
				p.log.WithError(err).Warn("pool: replenishing idle connections")
			}
		}
	}
}

// Close stops the reaper and destroys idle connections. Connections still
// checked out are destroyed when released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.signal()
	p.mu.Unlock()

	p.cancel()
	<-p.done

	var errs []error
	for _, s := range idle {
		p.destroyed.Add(1)
		if err := p.mgr.Close(s.conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time snapshot of pool state. Live is
// Idle + InUse + Creating.
type Stats struct {
	MaxSize   int   `json:"max_size"`
	Live      int   `json:"live"`
	Idle      int   `json:"idle"`
	InUse     int   `json:"in_use"`
	Creating  int   `json:"creating"`
	Waiting   int64 `json:"waiting"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Exhausted int64 `json:"exhausted"`
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	live, idle, creating := p.live, len(p.idle), p.creating
	p.mu.Unlock()
	return Stats{
		MaxSize:   p.cfg.MaxSize,
		Live:      live,
		Idle:      idle,
		InUse:     live - idle - creating,
		Creating:  creating,
		Waiting:   p.waiting.Load(),
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Handle is a checked-out connection. Exactly one of Release or Discard
// takes effect; later calls are no-ops.
type Handle[T any] struct {
	pool *Pool[T]
	slot *slot[T]
	once sync.Once
}

// Value returns the underlying connection. It must not be used after the
// handle is released.
func (h *Handle[T]) Value() T {
	return h.slot.conn
}

// Release returns the connection to the pool, or destroys it if it has
// outlived MaxLifetime or is broken.
func (h *Handle[T]) Release() {
	h.once.Do(func() { h.pool.put(h.slot, false) })
}

// Discard destroys the connection instead of returning it.
func (h *Handle[T]) Discard() {
	h.once.Do(func() { h.pool.put(h.slot, true) })
}
