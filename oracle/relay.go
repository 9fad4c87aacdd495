package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
)

// Relay mirrors an external price source into a Feed so that price moves
// surface as PriceUpdated events.
type Relay struct {
	env      *chain.Env
	feed     *Feed
	source   PriceSource
	owner    common.Address
	interval time.Duration
	logger   *zap.Logger
}

func NewRelay(env *chain.Env, feed *Feed, source PriceSource, owner common.Address, interval time.Duration, logger *zap.Logger) (*Relay, error) {
	if env == nil || feed == nil || source == nil {
		return nil, fmt.Errorf("relay needs an env, a feed and a source")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		env:      env,
		feed:     feed,
		source:   source,
		owner:    owner,
		interval: interval,
		logger:   logger.With(zap.String("component", "relay")),
	}, nil
}

// Sync copies the source price into the feed if it changed.
func (r *Relay) Sync(ctx context.Context) (bool, error) {
	price, err := r.source.LatestPrice(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read source price: %w", err)
	}
	price = mathutil.Rescale(price, r.source.Decimals(), r.feed.Decimals())

	current, _ := r.feed.Price()
	if current.Cmp(price) == 0 {
		return false, nil
	}

	if _, err := r.env.Execute(ctx, r.owner, func(call *chain.Call) error {
		return r.feed.SetPrice(call, price)
	}); err != nil {
		return false, fmt.Errorf("failed to update feed: %w", err)
	}
	return true, nil
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Price relay failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
