package resourcepool

import (
	"context"
	"time"
)

// Resource is anything the pool can hold. Close destroys it for good.
type Resource interface {
	Close() error
}

// Factory produces and health-checks resources for one pool.
type Factory[T Resource] interface {
	// Create builds a new resource. It should honour ctx; the pool also enforces
	// the create timeout on its own and closes resources that arrive late.
	Create(ctx context.Context) (T, error)

	// Validate reports whether r is still usable.
	Validate(ctx context.Context, r T) bool
}

// FactoryFuncs adapts plain functions to the Factory interface.
// A nil ValidateFunc treats every resource as valid.
type FactoryFuncs[T Resource] struct {
	CreateFunc   func(ctx context.Context) (T, error)
	ValidateFunc func(ctx context.Context, r T) bool
}

func (f FactoryFuncs[T]) Create(ctx context.Context) (T, error) {
	return f.CreateFunc(ctx)
}

func (f FactoryFuncs[T]) Validate(ctx context.Context, r T) bool {
	if f.ValidateFunc == nil {
		return true
	}
	return f.ValidateFunc(ctx, r)
}

// Pooled wraps a resource with the metadata the pool keeps about it.
// Metadata is updated by the pool on acquire and release; treat it as read-only.
type Pooled[T Resource] struct {
	ID         string
	Value      T
	Created    time.Time
	LastUsed   time.Time
	TimesUsed  int
	ErrorCount int

	acquired  bool
	releasing bool // a Release is validating it outside the lock
}

// DestroyReason says why the pool closed a resource.
type DestroyReason string

const (
	ReasonIdle    DestroyReason = "idle"
	ReasonInvalid DestroyReason = "invalid"
	ReasonDrain   DestroyReason = "drain"
)

// Hooks receive pool events. Every hook is optional and is called outside the
// pool's critical section; hooks must not call back into Acquire.
type Hooks struct {
	OnCreate  func(id string)
	OnAcquire func(id string, waited time.Duration)
	OnRelease func(id string)
	OnDestroy func(id string, reason DestroyReason)
	OnError   func(err error)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total    int
	Idle     int
	InUse    int
	Waiting  int
	Creating int
	Draining bool
}
