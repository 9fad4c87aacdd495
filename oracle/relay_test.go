package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/loopvault/chain"
)

type stubSource struct {
	mu       sync.Mutex
	price    *big.Int
	decimals uint8
	err      error
}

func (s *stubSource) LatestPrice(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.price), nil
}

func (s *stubSource) Decimals() uint8 { return s.decimals }

func (s *stubSource) set(p *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = p
}

func TestRelaySync(t *testing.T) {
	logger := zaptest.NewLogger(t)
	env := chain.NewEnv(1, logger)
	feed, err := NewFeed(feedAddr, owner, 8, big.NewInt(3000e8), logger)
	require.NoError(t, err)

	// 18-decimal source quoting 2500
	source := &stubSource{price: new(big.Int).Mul(big.NewInt(2500), big.NewInt(1e18)), decimals: 18}
	relay, err := NewRelay(env, feed, source, owner, time.Second, logger)
	require.NoError(t, err)

	changed, err := relay.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	price, _ := feed.Price()
	assert.Equal(t, big.NewInt(2500e8), price)
	assert.Equal(t, uint64(1), env.BlockNumber())

	changed, err = relay.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "unchanged price must not emit")
	assert.Equal(t, uint64(1), env.BlockNumber())

	source.err = errors.New("rpc down")
	_, err = relay.Sync(context.Background())
	assert.Error(t, err)
}

func TestRelayRejectsForeignOwner(t *testing.T) {
	env := chain.NewEnv(1, nil)
	feed, err := NewFeed(feedAddr, owner, 8, big.NewInt(3000e8), nil)
	require.NoError(t, err)

	relay, err := NewRelay(env, feed, &stubSource{price: big.NewInt(1000e8), decimals: 8}, feedAddr, time.Second, nil)
	require.NoError(t, err)

	_, err = relay.Sync(context.Background())
	assert.Error(t, err)
	price, _ := feed.Price()
	assert.Equal(t, big.NewInt(3000e8), price)
}

func TestRelayRun(t *testing.T) {
	env := chain.NewEnv(1, nil)
	feed, err := NewFeed(feedAddr, owner, 8, big.NewInt(3000e8), nil)
	require.NoError(t, err)

	source := &stubSource{price: big.NewInt(3000e8), decimals: 8}
	relay, err := NewRelay(env, feed, source, owner, 5*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	source.set(big.NewInt(1500e8))
	assert.Eventually(t, func() bool {
		price, _ := feed.Price()
		return price.Cmp(big.NewInt(1500e8)) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewRelayValidation(t *testing.T) {
	env := chain.NewEnv(1, nil)
	feed, err := NewFeed(feedAddr, owner, 8, big.NewInt(3000e8), nil)
	require.NoError(t, err)

	_, err = NewRelay(nil, feed, &stubSource{}, owner, time.Second, nil)
	assert.Error(t, err)
	_, err = NewRelay(env, feed, &stubSource{}, owner, 0, nil)
	assert.Error(t, err)
}
