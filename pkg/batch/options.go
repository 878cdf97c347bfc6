package batch

import (
	"fmt"
	"time"

	"github.com/elastic/go-sysinfo"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/docflow/pkg/metrics"
	"github.com/guido-cesarano/docflow/pkg/retry"
)

// DefaultRetryBase is the delay before the first retry of a file.
const DefaultRetryBase = time.Second

// MemorySampler reports the current memory footprint in bytes.
type MemorySampler func() (uint64, error)

// ProcessMemory reports the resident set size of the current process.
func ProcessMemory() (uint64, error) {
	self, err := sysinfo.Self()
	if err != nil {
		return 0, fmt.Errorf("process info: %w", err)
	}
	mem, err := self.Memory()
	if err != nil {
		return 0, fmt.Errorf("process memory: %w", err)
	}
	return mem.Resident, nil
}

type options struct {
	policy  retry.Policy
	store   ResultStore
	cost    CostModel
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics
	memory  MemorySampler
}

// Option configures an Orchestrator.
type Option func(*options)

// WithRetryPolicy sets the delay between attempts on a file.
func WithRetryPolicy(p retry.Policy) Option { return func(o *options) { o.policy = p } }

// WithResultStore sets where finished job results are kept.
func WithResultStore(s ResultStore) Option { return func(o *options) { o.store = s } }

func WithCostModel(m CostModel) Option { return func(o *options) { o.cost = m } }

func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithMemorySampler replaces the process RSS sampler used for PeakMemoryBytes.
func WithMemorySampler(s MemorySampler) Option { return func(o *options) { o.memory = s } }

func newOptions(opts []Option) options {
	o := options{
		policy: retry.NewPolicy(retry.WithBaseDelay(DefaultRetryBase)),
		cost:   DefaultCostModel,
		log:    zerolog.Nop(),
		memory: ProcessMemory,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	return o
}
