package fabric

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/reactive"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
)

// Reactor consumes records it subscribed to and may answer with a callback.
type Reactor interface {
	Identity() common.Address
	Subscriptions() []reactive.Subscription
	React(rec reactive.LogRecord) (*reactive.Callback, error)
}

// Target executes delivered callback payloads.
type Target interface {
	HandleCallback(call *chain.Call, payload []byte) error
}

type targetKey struct {
	chainID uint64
	address common.Address
}

// Fabric carries committed logs to reactors and their callbacks back into
// the environment. Delivery is asynchronous and at-least-once; nothing is
// retried after a failed execution.
type Fabric struct {
	env   *chain.Env
	proxy common.Address
	cfg   Config

	mu       sync.RWMutex
	reactors []Reactor
	targets  map[targetKey]Target

	seen    *lru.Cache
	limiter *rate.Limiter
	slots   chan struct{}

	wg           sync.WaitGroup
	inFlight     atomic.Int64
	lastActivity atomic.Int64

	// highest block whose logs have been dispatched
	dispatched atomic.Uint64

	logger  *zap.Logger
	metrics *metrics.FabricMetrics
}

func New(env *chain.Env, proxy common.Address, cfg Config, logger *zap.Logger, m *metrics.FabricMetrics) (*Fabric, error) {
	if env == nil {
		return nil, fmt.Errorf("env cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewFabricMetrics(nil, metrics.DefaultNamespace)
	}

	f := &Fabric{
		env:     env,
		proxy:   proxy,
		cfg:     cfg,
		targets: make(map[targetKey]Target),
		slots:   make(chan struct{}, cfg.Workers),
		logger:  logger.With(zap.String("component", "fabric")),
		metrics: m,
	}
	if cfg.DedupCacheSize > 0 {
		cache, err := lru.New(cfg.DedupCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedup cache: %w", err)
		}
		f.seen = cache
	}
	if cfg.RateLimit.PerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}
	f.touch()
	return f, nil
}

func (f *Fabric) Proxy() common.Address { return f.proxy }

func (f *Fabric) Register(r Reactor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactors = append(f.reactors, r)
	f.logger.Info("Reactor registered",
		zap.String("identity", r.Identity().Hex()),
		zap.Int("subscriptions", len(r.Subscriptions())))
}

func (f *Fabric) RegisterTarget(chainID uint64, address common.Address, t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[targetKey{chainID, address}] = t
}

// Run observes committed logs until ctx is cancelled or the subscription
// fails, then waits for deliveries already started.
func (f *Fabric) Run(ctx context.Context) error {
	batches := make(chan []*types.Log)
	sub := f.env.SubscribeLogs(batches)
	f.markDispatched(f.env.LastLogBlock())
	return f.run(ctx, batches, sub)
}

// Start subscribes before returning and runs the fabric in the background.
// The returned function stops it and reports Run's result.
func (f *Fabric) Start(ctx context.Context) (stop func() error) {
	batches := make(chan []*types.Log)
	sub := f.env.SubscribeLogs(batches)
	// logs published before the subscription are never seen
	f.markDispatched(f.env.LastLogBlock())

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.run(ctx, batches, sub) }()

	return sync.OnceValue(func() error {
		cancel()
		return <-done
	})
}

func (f *Fabric) run(ctx context.Context, batches <-chan []*types.Log, sub event.Subscription) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-sub.Err():
				return err
			case batch := <-batches:
				f.dispatch(gctx, batch)
			}
		}
	})

	f.logger.Info("Fabric running", zap.String("proxy", f.proxy.Hex()), zap.Int("workers", f.cfg.Workers))
	err := g.Wait()
	// deliveries still executing publish logs; stop receiving first so
	// their publication cannot block
	sub.Unsubscribe()
	f.wg.Wait()
	f.logger.Info("Fabric stopped", zap.Error(err))
	return err
}

// Wait blocks until deliveries in flight have finished.
func (f *Fabric) Wait() {
	f.wg.Wait()
}

// Idle returns once every published log has been dispatched and nothing
// has been in flight or observed for settle. It only makes progress while
// the fabric is running.
func (f *Fabric) Idle(ctx context.Context, settle time.Duration) error {
	tick := settle / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		last := time.Unix(0, f.lastActivity.Load())
		if f.inFlight.Load() == 0 && f.caughtUp() && time.Since(last) >= settle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Fabric) dispatch(ctx context.Context, batch []*types.Log) {
	f.touch()
	f.metrics.LogsObserved.Add(float64(len(batch)))

	f.mu.RLock()
	reactors := append([]Reactor(nil), f.reactors...)
	f.mu.RUnlock()

	for _, log := range batch {
		rec := reactive.NewLogRecord(f.env.ChainID(), log)
		for _, r := range reactors {
			if !subscribed(r, rec) {
				continue
			}
			f.start(func() { f.react(ctx, r, rec, time.Now()) })
		}
	}
	if n := len(batch); n > 0 {
		f.markDispatched(batch[n-1].BlockNumber)
	}
}

func (f *Fabric) markDispatched(block uint64) {
	for {
		cur := f.dispatched.Load()
		if block <= cur || f.dispatched.CompareAndSwap(cur, block) {
			return
		}
	}
}

func (f *Fabric) caughtUp() bool {
	return f.dispatched.Load() >= f.env.LastLogBlock()
}

func subscribed(r Reactor, rec reactive.LogRecord) bool {
	for _, s := range r.Subscriptions() {
		if s.Matches(rec) {
			return true
		}
	}
	return false
}

func (f *Fabric) start(fn func()) {
	f.wg.Add(1)
	f.inFlight.Add(1)
	f.metrics.InFlight.Inc()
	go func() {
		defer func() {
			f.metrics.InFlight.Dec()
			f.inFlight.Add(-1)
			f.touch()
			f.wg.Done()
		}()
		fn()
	}()
}

func (f *Fabric) react(ctx context.Context, r Reactor, rec reactive.LogRecord, observed time.Time) {
	if !f.sleep(ctx) {
		return
	}

	cb, err := r.React(rec)
	switch {
	case err != nil:
		f.metrics.Deliveries.WithLabelValues("dropped").Inc()
		f.logger.Debug("Reactor dropped record",
			zap.String("tx", rec.TxHash.Hex()),
			zap.Uint("logIndex", rec.LogIndex),
			zap.Error(err))
		return
	case cb == nil:
		f.metrics.Deliveries.WithLabelValues("ignored").Inc()
		return
	}
	f.metrics.Deliveries.WithLabelValues("callback").Inc()

	key := dedupKey(r.Identity(), rec)
	for i := 0; i < f.cfg.Redeliveries; i++ {
		f.start(func() {
			if f.sleep(ctx) {
				f.deliver(ctx, r.Identity(), key, cb, observed)
			}
		})
	}
	f.deliver(ctx, r.Identity(), key, cb, observed)
}

func (f *Fabric) deliver(ctx context.Context, identity common.Address, key uint64, cb *reactive.Callback, observed time.Time) {
	id := uuid.NewString()
	logger := f.logger.With(
		zap.String("delivery", id),
		zap.String("target", cb.Contract.Hex()),
		zap.Uint64("gasLimit", cb.GasLimit))

	if f.seen != nil {
		if dup, _ := f.seen.ContainsOrAdd(key, struct{}{}); dup {
			f.metrics.Callbacks.WithLabelValues("duplicate").Inc()
			logger.Debug("Suppressed duplicate callback")
			return
		}
	}

	if cb.GasLimit == 0 || cb.GasLimit > f.cfg.MaxGasLimit {
		f.metrics.Callbacks.WithLabelValues("rejected").Inc()
		logger.Warn("Rejected callback budget", zap.Uint64("max", f.cfg.MaxGasLimit))
		return
	}

	f.mu.RLock()
	target, ok := f.targets[targetKey{cb.ChainID, cb.Contract}]
	f.mu.RUnlock()
	if !ok {
		f.metrics.Callbacks.WithLabelValues("no_target").Inc()
		logger.Warn("Dropped callback for unknown target", zap.Uint64("chain", cb.ChainID))
		return
	}

	payload, err := reactive.InjectSender(cb.Payload, identity)
	if err != nil {
		f.metrics.Callbacks.WithLabelValues("rejected").Inc()
		logger.Warn("Rejected malformed callback", zap.Error(err))
		return
	}

	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-f.slots }()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return
		}
	}

	receipt, err := f.env.Execute(ctx, f.proxy, func(call *chain.Call) error {
		return target.HandleCallback(call, payload)
	})
	f.metrics.Latency.Observe(time.Since(observed).Seconds())

	switch {
	case err == nil:
		f.metrics.Callbacks.WithLabelValues("executed").Inc()
		logger.Info("Callback executed",
			zap.Uint64("block", receipt.BlockNumber.Uint64()),
			zap.String("tx", receipt.TxHash.Hex()))
	case errors.Is(err, domain.ErrMaxLoopsReached):
		f.metrics.Callbacks.WithLabelValues("stopped").Inc()
		logger.Info("Callback stopped by target", zap.Error(err))
	case ctx.Err() != nil:
		logger.Debug("Callback abandoned on shutdown", zap.Error(err))
	default:
		f.metrics.Callbacks.WithLabelValues("failed").Inc()
		logger.Warn("Callback failed", zap.Error(err))
	}
}

// sleep waits out the delivery delay; false means ctx ended first.
func (f *Fabric) sleep(ctx context.Context) bool {
	d := f.cfg.DeliveryDelay
	if f.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(f.cfg.Jitter)))
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (f *Fabric) touch() {
	f.lastActivity.Store(time.Now().UnixNano())
}

func dedupKey(identity common.Address, rec reactive.LogRecord) uint64 {
	var buf [common.AddressLength + common.HashLength + 8]byte
	copy(buf[:], identity.Bytes())
	copy(buf[common.AddressLength:], rec.TxHash.Bytes())
	binary.BigEndian.PutUint64(buf[common.AddressLength+common.HashLength:], uint64(rec.LogIndex))
	return xxhash.Sum64(buf[:])
}
