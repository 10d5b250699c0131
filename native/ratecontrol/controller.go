// Package ratecontrol drives per-entity interest rates from a PID controller.
// Updates are pull based: an authorised caller asks for an update once the
// entity's period has elapsed, the controller reads a sample from its Source,
// limits the move of the committed target and stores the result in the
// entity's rate buffer. Every mutation is staged in a state journal and
// committed as a single batch.
package ratecontrol

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"ratecontrol/core/events"
	"ratecontrol/core/state"
	"ratecontrol/native/access"
	nativecommon "ratecontrol/native/common"
	"ratecontrol/observability/metrics"
	rcotel "ratecontrol/observability/otel"
)

// ModuleName is the name checked against the module pause view.
const ModuleName = "ratecontrol"

const (
	// DefaultSourceTimeout bounds a single sample fetch.
	DefaultSourceTimeout = 5 * time.Second
	// DefaultHookTimeout bounds a single pause hook notification.
	DefaultHookTimeout = 5 * time.Second
)

// Backend is the persistent state the controller stages its updates against.
type Backend interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Begin() *state.Journal
}

// Authorizer decides which callers may invoke guarded operations.
type Authorizer interface {
	CanUpdate(caller common.Address, role access.Role) bool
	RequireRole(caller common.Address, role access.Role) error
}

var (
	indexKey = []byte("ratecontrol/entities")
)

func configKey(entity common.Address) []byte {
	return []byte(fmt.Sprintf("ratecontrol/config/%x", entity.Bytes()))
}

type entityLock struct {
	mu sync.RWMutex
	// edges numbers committed pause transitions. Guarded by mu.
	edges uint64

	// notifyMu orders hook delivery. delivered is the newest edge handed to
	// the hook; older edges arriving later are dropped.
	notifyMu  sync.Mutex
	delivered uint64
}

// Controller owns the per-entity control loops.
type Controller struct {
	backend Backend
	gate    Authorizer
	source  Source
	hook    PauseHook
	emitter events.Emitter
	pauses  nativecommon.PauseView
	logger  *slog.Logger
	metrics *metrics.RateControlMetrics
	tracer  trace.Tracer
	now     func() time.Time

	sourceTimeout time.Duration
	hookTimeout   time.Duration
	defaults      EntityConfig

	mu        sync.RWMutex
	locks     map[common.Address]*entityLock
	overrides map[common.Address]EntityConfig

	// indexMu serialises writes of the entity index.
	indexMu sync.Mutex
	index   map[common.Address]struct{}
}

// Option customises the controller.
type Option func(*Controller)

// WithSource sets the input and error source.
func WithSource(source Source) Option {
	return func(c *Controller) { c.source = source }
}

// WithPauseHook registers the pause notification hook.
func WithPauseHook(hook PauseHook) Option {
	return func(c *Controller) { c.hook = hook }
}

// WithEmitter publishes committed transitions.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Controller) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithPauses wires the module level pause view.
func WithPauses(p nativecommon.PauseView) Option {
	return func(c *Controller) { c.pauses = p }
}

// WithLogger overrides the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSourceTimeout bounds each sample fetch.
func WithSourceTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.sourceTimeout = timeout
		}
	}
}

// WithHookTimeout bounds each pause hook call.
func WithHookTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.hookTimeout = timeout
		}
	}
}

// WithMetrics overrides the metrics registry. A nil registry disables
// metrics.
func WithMetrics(m *metrics.RateControlMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOverrides seeds per-entity configuration from operator files. A config
// persisted through SetConfig replaces the seeded one on Hydrate.
func WithOverrides(overrides map[common.Address]EntityConfig) Option {
	return func(c *Controller) {
		for entity, cfg := range overrides {
			c.overrides[entity] = cfg.Clone()
		}
	}
}

// New constructs a controller. defaults applies to every entity without an
// explicit configuration and must validate.
func New(backend Backend, gate Authorizer, defaults EntityConfig, opts ...Option) (*Controller, error) {
	if backend == nil {
		return nil, fmt.Errorf("ratecontrol: backend not configured")
	}
	if gate == nil {
		return nil, fmt.Errorf("ratecontrol: access gate not configured")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("ratecontrol: default config: %w", err)
	}
	c := &Controller{
		backend:       backend,
		gate:          gate,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		tracer:        rcotel.Tracer("ratecontrol"),
		now:           time.Now,
		sourceTimeout: DefaultSourceTimeout,
		hookTimeout:   DefaultHookTimeout,
		defaults:      defaults.Clone(),
		locks:         make(map[common.Address]*entityLock),
		overrides:     make(map[common.Address]EntityConfig),
		index:         make(map[common.Address]struct{}),
	}
	c.metrics = metrics.RateControl()
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for entity, cfg := range c.overrides {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("ratecontrol: config for %s: %w", entity.Hex(), err)
		}
	}
	c.logger = c.logger.With("component", ModuleName)
	return c, nil
}

func (c *Controller) lock(entity common.Address) *entityLock {
	c.mu.RLock()
	l, ok := c.locks[entity]
	c.mu.RUnlock()
	if ok {
		return l
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok = c.locks[entity]; ok {
		return l
	}
	l = &entityLock{}
	c.locks[entity] = l
	return l
}

// Config returns the effective configuration for the entity.
func (c *Controller) Config(entity common.Address) EntityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cfg, ok := c.overrides[entity]; ok {
		return cfg.Clone()
	}
	return c.defaults.Clone()
}

// DefaultConfig returns the configuration applied to entities without an
// override.
func (c *Controller) DefaultConfig() EntityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults.Clone()
}

// Entities lists every entity with persisted state in byte order.
func (c *Controller) Entities() []common.Address {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	out := make([]common.Address, 0, len(c.index))
	for entity := range c.index {
		out = append(out, entity)
	}
	sortAddresses(out)
	return out
}

// Hydrate loads the entity index and configuration overrides persisted by a
// previous process. It returns the number of known entities.
func (c *Controller) Hydrate() (int, error) {
	var entities []common.Address
	if _, err := c.backend.KVGet(indexKey, &entities); err != nil {
		return 0, fmt.Errorf("ratecontrol: load entity index: %w", err)
	}
	overrides := make(map[common.Address]EntityConfig)
	for _, entity := range entities {
		var stored storedConfig
		ok, err := c.backend.KVGet(configKey(entity), &stored)
		if err != nil {
			return 0, fmt.Errorf("ratecontrol: load config for %s: %w", entity.Hex(), err)
		}
		if !ok {
			continue
		}
		cfg, err := decodeConfig(stored)
		if err != nil {
			return 0, err
		}
		overrides[entity] = cfg
	}

	c.indexMu.Lock()
	for _, entity := range entities {
		c.index[entity] = struct{}{}
	}
	c.indexMu.Unlock()

	c.mu.Lock()
	for entity, cfg := range overrides {
		c.overrides[entity] = cfg
	}
	c.mu.Unlock()

	for _, entity := range entities {
		status, err := c.Status(entity)
		if err != nil {
			return 0, err
		}
		label := entity.Hex()
		c.metrics.SetPaused(label, status.State == StatePaused)
		if status.Latest != nil {
			c.metrics.RecordRate(label, status.Latest.Target, fixedToFloat(new(big.Int).SetUint64(status.Latest.Current)), false)
		}
	}
	c.logger.Info("hydrated rate controller", slog.Int("entities", len(entities)))
	return len(entities), nil
}

// commit stages the index additions into the journal and writes everything in
// one batch.
func (c *Controller) commit(j *state.Journal, added ...common.Address) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	next := make([]common.Address, 0, len(c.index)+len(added))
	fresh := make([]common.Address, 0, len(added))
	for _, entity := range added {
		if _, ok := c.index[entity]; !ok {
			fresh = append(fresh, entity)
		}
	}
	if len(fresh) > 0 {
		for entity := range c.index {
			next = append(next, entity)
		}
		next = append(next, fresh...)
		sortAddresses(next)
		if err := j.KVPut(indexKey, next); err != nil {
			return fmt.Errorf("ratecontrol: stage entity index: %w", err)
		}
	}
	if err := j.Commit(); err != nil {
		return err
	}
	for _, entity := range fresh {
		c.index[entity] = struct{}{}
	}
	return nil
}

func sortAddresses(list []common.Address) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Cmp(list[j]) < 0
	})
}
