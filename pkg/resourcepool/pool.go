// Package resourcepool provides a bounded pool of expensive, reusable resources
// (database handles, API clients, connections) with acquire/release semantics.
//
// Features:
//   - Min resources created eagerly, more on demand up to Max
//   - FIFO hand-off to waiting acquirers with an acquire timeout
//   - Optional validation on acquire and on return
//   - A background reaper that destroys resources idle past IdleTimeout, never below Min
//   - Drain, which stops admission and waits for outstanding resources before destroying them
//
// The available list is guarded by a short critical section that is never held across
// factory calls, so slow Create/Validate/Close calls do not serialize other callers.
package resourcepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/docflow/pkg/errs"
	"github.com/guido-cesarano/docflow/pkg/metrics"
)

// Pool is a bounded resource pool. Create one with New.
type Pool[T Resource] struct {
	factory Factory[T]
	cfg     Config
	name    string
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	all      map[string]*Pooled[T]
	idle     []*Pooled[T] // most recently used last
	waiters  []*waiter[T]
	creating int
	draining bool
	changed  chan struct{} // closed and replaced whenever an acquired resource comes back

	capacityLog rate.Sometimes
	bg          sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
}

// grant is what a waiter receives: a resource, an error, or neither, which means
// capacity was freed and the waiter should try again.
type grant[T Resource] struct {
	res *Pooled[T]
	err error
}

type waiter[T Resource] struct {
	ch chan grant[T]
}

// New creates a pool and eagerly fills it to Min. A factory failure during the
// initial fill is reported through OnError and the log; the reaper keeps topping
// the pool up to Min afterwards.
func New[T Resource](ctx context.Context, factory Factory[T], opts ...Option) (*Pool[T], error) {
	if factory == nil {
		return nil, errors.New("resourcepool: factory is required")
	}
	o := newOptions(opts)
	if err := o.cfg.validate(); err != nil {
		return nil, fmt.Errorf("resourcepool %s: %w", o.name, err)
	}

	p := &Pool[T]{
		factory:     factory,
		cfg:         o.cfg,
		name:        o.name,
		hooks:       o.hooks,
		log:         o.log.With().Str("pool", o.name).Logger(),
		metrics:     o.metrics,
		all:         make(map[string]*Pooled[T]),
		changed:     make(chan struct{}),
		capacityLog: rate.Sometimes{Interval: 5 * time.Second},
		stop:        make(chan struct{}),
	}

	for i := 0; i < p.cfg.Min; i++ {
		res, err := p.create(ctx)
		if err != nil {
			p.emitError(fmt.Errorf("initial fill %d/%d: %w", i+1, p.cfg.Min, err))
			break
		}
		p.mu.Lock()
		p.all[res.ID] = res
		p.idle = append(p.idle, res)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.emitCreate(res)
	}

	if p.cfg.ReapInterval > 0 {
		p.bg.Add(1)
		go p.reapLoop()
	}
	return p, nil
}

// Acquire returns an available resource, creating one when below Max, or waits in
// FIFO order for one to be released. It fails with ErrAcquireTimeout when nothing
// became available within AcquireTimeout and with ErrPoolDraining once Drain started.
func (p *Pool[T]) Acquire(ctx context.Context) (*Pooled[T], error) {
	start := time.Now()
	var deadline <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool %s: %w", p.name, errs.ErrPoolDraining)
		}

		if n := len(p.idle); n > 0 {
			res := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkoutLocked(res)
			p.mu.Unlock()
			if !p.validateAcquired(ctx, res) {
				continue
			}
			p.emitAcquire(res, start)
			return res, nil
		}

		if p.totalLocked() < p.cfg.Max {
			p.creating++
			p.updateGaugesLocked()
			p.mu.Unlock()

			res, err := p.create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.wakeOneLocked()
				p.signalLocked()
				p.updateGaugesLocked()
				p.mu.Unlock()
				p.emitError(err)
				return nil, err
			}
			if p.draining {
				p.signalLocked()
				p.mu.Unlock()
				_ = p.destroy(res, ReasonDrain)
				return nil, fmt.Errorf("pool %s: %w", p.name, errs.ErrPoolDraining)
			}
			p.all[res.ID] = res
			p.checkoutLocked(res)
			p.mu.Unlock()
			p.emitCreate(res)
			p.emitAcquire(res, start)
			return res, nil
		}

		w := &waiter[T]{ch: make(chan grant[T], 1)}
		p.waiters = append(p.waiters, w)
		p.updateGaugesLocked()
		p.mu.Unlock()

		p.capacityLog.Do(func() {
			p.log.Debug().Int("max", p.cfg.Max).Msg("Pool at capacity, queueing acquirer")
		})

		select {
		case g := <-w.ch:
			if g.err != nil {
				return nil, g.err
			}
			if g.res == nil {
				continue
			}
			if !p.validateAcquired(ctx, g.res) {
				continue
			}
			p.emitAcquire(g.res, start)
			return g.res, nil
		case <-ctx.Done():
			p.abandon(w)
			return nil, ctx.Err()
		case <-deadline:
			p.abandon(w)
			p.metrics.PoolEvents.WithLabelValues(p.name, "acquire_timeout").Inc()
			return nil, fmt.Errorf("pool %s: waited %s: %w", p.name, p.cfg.AcquireTimeout, errs.ErrAcquireTimeout)
		}
	}
}

// Release hands res to the longest waiting acquirer or back to the available set.
// During Drain the resource is destroyed instead.
func (p *Pool[T]) Release(res *Pooled[T]) error {
	if res == nil {
		return fmt.Errorf("pool %s: nil resource: %w", p.name, errs.ErrNotAcquired)
	}

	p.mu.Lock()
	if cur, ok := p.all[res.ID]; !ok || cur != res || !res.acquired || res.releasing {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: resource %s: %w", p.name, res.ID, errs.ErrNotAcquired)
	}
	res.LastUsed = time.Now()
	if p.draining {
		p.removeLocked(res)
		p.mu.Unlock()
		p.emitRelease(res)
		return p.destroy(res, ReasonDrain)
	}
	res.releasing = true
	p.mu.Unlock()

	if p.cfg.ValidateOnReturn && !p.factory.Validate(context.Background(), res.Value) {
		p.discard(res)
		p.replenishAsync()
		return nil
	}

	p.mu.Lock()
	if p.draining {
		p.removeLocked(res)
		p.mu.Unlock()
		p.emitRelease(res)
		return p.destroy(res, ReasonDrain)
	}
	p.handOffLocked(res)
	p.mu.Unlock()

	p.emitRelease(res)
	return nil
}

// Execute acquires a resource, runs fn with it and releases it on every exit path,
// including a panic in fn. An error from fn counts against the resource.
func (p *Pool[T]) Execute(ctx context.Context, fn func(T) error) (err error) {
	res, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.markError(res)
			_ = p.Release(res)
			panic(r)
		}
		if err != nil {
			p.markError(res)
		}
		if rerr := p.Release(res); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(res.Value)
}

// Drain stops admission, rejects every waiter, waits up to DrainTimeout (or ctx) for
// acquired resources to come back and destroys all available resources. Resources still
// acquired when the wait gives up are left alone and destroyed when released.
func (p *Pool[T]) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: %w", p.name, errs.ErrPoolDraining)
	}
	p.draining = true
	waiters := p.waiters
	p.waiters = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant[T]{err: fmt.Errorf("pool %s: %w", p.name, errs.ErrPoolDraining)}
	}
	p.stopOnce.Do(func() { close(p.stop) })

	if p.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DrainTimeout)
		defer cancel()
	}
	waitErr := p.awaitReleased(ctx)

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, res := range idle {
		delete(p.all, res.ID)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	var errList error
	for _, res := range idle {
		errList = multierr.Append(errList, p.destroy(res, ReasonDrain))
	}
	p.bg.Wait()

	p.log.Info().Int("destroyed", len(idle)).Msg("Pool drained")
	return multierr.Append(waitErr, errList)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:    len(p.all),
		Idle:     len(p.idle),
		InUse:    len(p.all) - len(p.idle),
		Waiting:  len(p.waiters),
		Creating: p.creating,
		Draining: p.draining,
	}
}

// Name returns the pool label.
func (p *Pool[T]) Name() string { return p.name }

func (p *Pool[T]) awaitReleased(ctx context.Context) error {
	for {
		p.mu.Lock()
		inUse := len(p.all) - len(p.idle)
		creating := p.creating
		changed := p.changed
		p.mu.Unlock()

		if inUse == 0 && creating == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			p.log.Warn().Int("in_use", inUse).Msg("Drain gave up waiting for outstanding resources")
			return fmt.Errorf("pool %s: %d in use: %w", p.name, inUse, errs.ErrDrainTimeout)
		}
	}
}

func (p *Pool[T]) reapLoop() {
	defer p.bg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap()
			p.replenish()
		}
	}
}

// reap destroys available resources unused for longer than IdleTimeout while the
// pool stays above Min. The oldest resources sit at the front of the idle list.
func (p *Pool[T]) reap() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := time.Now()

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return 0
	}
	total := p.totalLocked()
	var victims []*Pooled[T]
	keep := p.idle[:0]
	for _, res := range p.idle {
		if total > p.cfg.Min && now.Sub(res.LastUsed) > p.cfg.IdleTimeout {
			victims = append(victims, res)
			delete(p.all, res.ID)
			total--
			continue
		}
		keep = append(keep, res)
	}
	p.idle = keep
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, res := range victims {
		if err := p.destroy(res, ReasonIdle); err != nil {
			p.emitError(err)
		}
	}
	if len(victims) > 0 {
		p.log.Debug().Int("reaped", len(victims)).Msg("Reaped idle resources")
	}
	return len(victims)
}

// replenish creates resources until the pool is back at Min.
func (p *Pool[T]) replenish() {
	for {
		p.mu.Lock()
		if p.draining || p.totalLocked() >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		res, err := p.create(context.Background())

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.signalLocked()
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.emitError(fmt.Errorf("replenish: %w", err))
			return
		}
		if p.draining {
			p.signalLocked()
			p.mu.Unlock()
			_ = p.destroy(res, ReasonDrain)
			return
		}
		p.all[res.ID] = res
		p.handOffLocked(res)
		p.mu.Unlock()
		p.emitCreate(res)
	}
}

func (p *Pool[T]) replenishAsync() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.bg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.bg.Done()
		p.replenish()
	}()
}

// create calls the factory under CreateTimeout. A resource that arrives after the
// timeout fired is closed.
func (p *Pool[T]) create(ctx context.Context) (*Pooled[T], error) {
	cctx := ctx
	cancel := func() {}
	if p.cfg.CreateTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, p.cfg.CreateTimeout)
	}
	defer cancel()

	type created struct {
		v   T
		err error
	}
	ch := make(chan created, 1)
	go func() {
		v, err := p.factory.Create(cctx)
		ch <- created{v: v, err: err}
	}()

	select {
	case c := <-ch:
		if c.err != nil {
			if errors.Is(c.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("pool %s: %w: %v", p.name, errs.ErrCreateTimeout, c.err)
			}
			return nil, fmt.Errorf("pool %s: create: %w", p.name, c.err)
		}
		now := time.Now()
		return &Pooled[T]{ID: uuid.NewString(), Value: c.v, Created: now, LastUsed: now}, nil
	case <-cctx.Done():
		go func() {
			if c := <-ch; c.err == nil {
				_ = c.v.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.metrics.PoolEvents.WithLabelValues(p.name, "create_timeout").Inc()
		return nil, fmt.Errorf("pool %s: after %s: %w", p.name, p.cfg.CreateTimeout, errs.ErrCreateTimeout)
	}
}

func (p *Pool[T]) validateAcquired(ctx context.Context, res *Pooled[T]) bool {
	if !p.cfg.ValidateOnAcquire || p.factory.Validate(ctx, res.Value) {
		return true
	}
	p.discard(res)
	p.replenishAsync()
	return false
}

// discard destroys an acquired resource that failed validation.
func (p *Pool[T]) discard(res *Pooled[T]) {
	p.mu.Lock()
	p.removeLocked(res)
	p.wakeOneLocked()
	p.mu.Unlock()

	p.metrics.PoolEvents.WithLabelValues(p.name, "validation_failure").Inc()
	p.emitError(fmt.Errorf("pool %s: resource %s: %w", p.name, res.ID, errs.ErrValidationFailure))
	if err := p.destroy(res, ReasonInvalid); err != nil {
		p.emitError(err)
	}
}

func (p *Pool[T]) markError(res *Pooled[T]) {
	p.mu.Lock()
	res.ErrorCount++
	p.mu.Unlock()
}

// abandon removes w from the waiter list. If a grant raced in first, the resource
// is put back or the wake-up is passed on to the next waiter.
func (p *Pool[T]) abandon(w *waiter[T]) {
	p.mu.Lock()
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.updateGaugesLocked()
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	g := <-w.ch
	switch {
	case g.res != nil:
		_ = p.Release(g.res)
	case g.err == nil:
		p.mu.Lock()
		p.wakeOneLocked()
		p.mu.Unlock()
	}
}

func (p *Pool[T]) checkoutLocked(res *Pooled[T]) {
	res.acquired = true
	res.releasing = false
	res.TimesUsed++
	res.LastUsed = time.Now()
	p.updateGaugesLocked()
}

// handOffLocked gives res to the first waiter or parks it in the idle list.
func (p *Pool[T]) handOffLocked(res *Pooled[T]) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.checkoutLocked(res)
		w.ch <- grant[T]{res: res}
		return
	}
	res.acquired = false
	res.releasing = false
	p.idle = append(p.idle, res)
	p.signalLocked()
	p.updateGaugesLocked()
}

// wakeOneLocked tells the first waiter that capacity was freed.
func (p *Pool[T]) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.ch <- grant[T]{}
}

func (p *Pool[T]) removeLocked(res *Pooled[T]) {
	res.acquired = false
	res.releasing = false
	delete(p.all, res.ID)
	p.signalLocked()
	p.updateGaugesLocked()
}

func (p *Pool[T]) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool[T]) totalLocked() int {
	return len(p.all) + p.creating
}

func (p *Pool[T]) updateGaugesLocked() {
	p.metrics.PoolResources.WithLabelValues(p.name, "idle").Set(float64(len(p.idle)))
	p.metrics.PoolResources.WithLabelValues(p.name, "in_use").Set(float64(len(p.all) - len(p.idle)))
	p.metrics.PoolResources.WithLabelValues(p.name, "waiting").Set(float64(len(p.waiters)))
}

func (p *Pool[T]) destroy(res *Pooled[T], reason DestroyReason) error {
	err := res.Value.Close()
	p.metrics.PoolEvents.WithLabelValues(p.name, "destroyed").Inc()
	p.log.Debug().Str("resource_id", res.ID).Str("reason", string(reason)).Msg("Resource destroyed")
	if p.hooks.OnDestroy != nil {
		p.hooks.OnDestroy(res.ID, reason)
	}
	if err != nil {
		return fmt.Errorf("pool %s: close %s: %w", p.name, res.ID, err)
	}
	return nil
}

func (p *Pool[T]) emitCreate(res *Pooled[T]) {
	p.metrics.PoolEvents.WithLabelValues(p.name, "created").Inc()
	if p.hooks.OnCreate != nil {
		p.hooks.OnCreate(res.ID)
	}
}

func (p *Pool[T]) emitAcquire(res *Pooled[T], start time.Time) {
	waited := time.Since(start)
	p.metrics.PoolEvents.WithLabelValues(p.name, "acquired").Inc()
	p.metrics.PoolWait.WithLabelValues(p.name).Observe(waited.Seconds())
	if p.hooks.OnAcquire != nil {
		p.hooks.OnAcquire(res.ID, waited)
	}
}

func (p *Pool[T]) emitRelease(res *Pooled[T]) {
	p.metrics.PoolEvents.WithLabelValues(p.name, "released").Inc()
	if p.hooks.OnRelease != nil {
		p.hooks.OnRelease(res.ID)
	}
}

func (p *Pool[T]) emitError(err error) {
	p.metrics.PoolEvents.WithLabelValues(p.name, "error").Inc()
	p.log.Error().Err(err).Msg("Pool error")
	if p.hooks.OnError != nil {
		p.hooks.OnError(err)
	}
}
