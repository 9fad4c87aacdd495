package reactive

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/oracle"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
	"github.com/michaelpento.lv/loopvault/vault"
)

type Config struct {
	OriginChainID      uint64
	DestinationChainID uint64
	Vault              common.Address
	Oracle             common.Address

	MaxLoopIterations   uint64
	MinLoopBorrow       *big.Int
	CrashPriceThreshold *big.Int
	CallbackGasLimit    uint64
}

func DefaultConfig() Config {
	return Config{
		MaxLoopIterations:   5,
		MinLoopBorrow:       big.NewInt(10_000_000),
		CrashPriceThreshold: big.NewInt(2000e8),
		CallbackGasLimit:    1_000_000,
	}
}

func (c Config) Validate() error {
	var errs []string
	if c.Vault == (common.Address{}) {
		errs = append(errs, "vault address must be specified")
	}
	if c.Oracle == (common.Address{}) {
		errs = append(errs, "oracle address must be specified")
	}
	if c.MaxLoopIterations == 0 {
		errs = append(errs, "max loop iterations must be positive")
	}
	if c.MinLoopBorrow == nil || c.MinLoopBorrow.Sign() < 0 {
		errs = append(errs, "min loop borrow must be non-negative")
	}
	if c.CrashPriceThreshold == nil || c.CrashPriceThreshold.Sign() <= 0 {
		errs = append(errs, "crash price threshold must be positive")
	}
	if c.CallbackGasLimit == 0 {
		errs = append(errs, "callback gas limit must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid controller config: %s", strings.Join(errs, "; "))
	}
	return nil
}

type decoder func(abi.Event, LogRecord) (Event, error)

type route struct {
	sub    Subscription
	event  abi.Event
	decode decoder
}

// Controller turns vault and oracle events into vault callbacks. It holds
// no state besides its configuration and is safe for concurrent use.
type Controller struct {
	identity common.Address
	cfg      Config
	routes   []route
	vaultABI abi.ABI

	logger  *zap.Logger
	metrics *metrics.ControllerMetrics
}

func NewController(identity common.Address, cfg Config, logger *zap.Logger, m *metrics.ControllerMetrics) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewControllerMetrics(nil, metrics.DefaultNamespace)
	}

	vaultABI := chain.MustParseABI(vault.VaultABI)
	oracleABI := chain.MustParseABI(oracle.FeedABI)

	deposit := vaultABI.Events["Deposit"]
	loopStep := vaultABI.Events["LoopStep"]
	priceUpdated := oracleABI.Events["PriceUpdated"]

	return &Controller{
		identity: identity,
		cfg:      cfg,
		routes: []route{
			{NewSubscription(cfg.OriginChainID, cfg.Vault, deposit.ID), deposit, decodeDeposit},
			{NewSubscription(cfg.OriginChainID, cfg.Vault, loopStep.ID), loopStep, decodeLoopStep},
			{NewSubscription(cfg.OriginChainID, cfg.Oracle, priceUpdated.ID), priceUpdated, decodePriceUpdated},
		},
		vaultABI: vaultABI,
		logger:   logger.With(zap.String("component", "controller"), zap.String("identity", identity.Hex())),
		metrics:  m,
	}, nil
}

func (c *Controller) Identity() common.Address { return c.identity }

func (c *Controller) Subscriptions() []Subscription {
	subs := make([]Subscription, len(c.routes))
	for i, r := range c.routes {
		subs[i] = r.sub
	}
	return subs
}

// Decode maps a record onto one of the subscribed events.
func (c *Controller) Decode(rec LogRecord) (Event, error) {
	for _, r := range c.routes {
		if r.sub.Matches(rec) {
			return r.decode(r.event, rec)
		}
	}
	return nil, unknownEvent(rec)
}

// React decodes rec and returns the callback it calls for, if any.
func (c *Controller) React(rec LogRecord) (*Callback, error) {
	ev, err := c.Decode(rec)
	if err != nil {
		c.metrics.Unknown.Inc()
		c.logger.Warn("Dropping event", zap.Uint64("block", rec.BlockNumber), zap.Error(err))
		return nil, err
	}
	c.metrics.Events.WithLabelValues(eventName(ev)).Inc()

	var method string
	switch e := ev.(type) {
	case DepositEvent:
		method = "executeLoop"
	case LoopStepEvent:
		if e.Iteration.Cmp(new(big.Int).SetUint64(c.cfg.MaxLoopIterations)) >= 0 {
			c.logger.Info("Loop finished", zap.String("iteration", e.Iteration.String()))
			return nil, nil
		}
		if e.BorrowedAmount.Cmp(c.cfg.MinLoopBorrow) < 0 {
			c.logger.Info("Loop borrow below floor", zap.String("borrowed", e.BorrowedAmount.String()))
			return nil, nil
		}
		method = "executeLoop"
	case PriceUpdatedEvent:
		if e.NewPrice.Cmp(c.cfg.CrashPriceThreshold) >= 0 {
			return nil, nil
		}
		c.logger.Warn("Price crash detected",
			zap.String("price", e.NewPrice.String()),
			zap.String("threshold", c.cfg.CrashPriceThreshold.String()))
		method = "unwind"
	}

	cb, err := c.callback(method)
	if err != nil {
		return nil, err
	}
	c.metrics.Callbacks.WithLabelValues(method).Inc()
	c.logger.Info("Emitting callback",
		zap.String("method", method),
		zap.String("trigger", eventName(ev)),
		zap.String("tx", rec.TxHash.Hex()))
	return cb, nil
}

func (c *Controller) callback(method string) (*Callback, error) {
	payload, err := c.vaultABI.Pack(method, common.Address{})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	return &Callback{
		ChainID:  c.cfg.DestinationChainID,
		Contract: c.cfg.Vault,
		GasLimit: c.cfg.CallbackGasLimit,
		Payload:  payload,
	}, nil
}
