package bot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/config"
	"github.com/michaelpento.lv/loopvault/dex"
	"github.com/michaelpento.lv/loopvault/dex/uniswap"
	"github.com/michaelpento.lv/loopvault/fabric"
	"github.com/michaelpento.lv/loopvault/flashloan"
	"github.com/michaelpento.lv/loopvault/flashloan/mint"
	"github.com/michaelpento.lv/loopvault/ledger"
	"github.com/michaelpento.lv/loopvault/oracle"
	"github.com/michaelpento.lv/loopvault/reactive"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
	"github.com/michaelpento.lv/loopvault/vault"
)

// Addresses of the deployed system. Contracts are placed at the deployer's
// CREATE addresses in deployment order.
type Addresses struct {
	Deployer   common.Address
	User       common.Address
	Collateral common.Address
	Loan       common.Address
	Feed       common.Address
	Ledger     common.Address
	Pool       common.Address
	Vault      common.Address
	Proxy      common.Address
}

func deriveAddresses(deployer common.Address) Addresses {
	next := func(nonce uint64) common.Address { return crypto.CreateAddress(deployer, nonce) }
	return Addresses{
		Deployer:   deployer,
		User:       common.BytesToAddress(crypto.Keccak256([]byte("loopvault/user"))),
		Collateral: next(0),
		Loan:       next(1),
		Feed:       next(2),
		Ledger:     next(3),
		Pool:       next(4),
		Vault:      next(5),
		Proxy:      next(6),
	}
}

// Bot is the whole system wired from configuration.
type Bot struct {
	cfg       *config.Config
	addresses Addresses

	Env        *chain.Env
	Bank       *token.Bank
	Feed       *oracle.Feed
	Ledger     *ledger.Ledger
	Vault      *vault.Vault
	Controller *reactive.Controller
	Fabric     *fabric.Fabric
	Registry   *prometheus.Registry

	client *ethclient.Client
	relay  *oracle.Relay
	server *http.Server

	stopFabric func() error
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// New builds and bootstraps the system: tokens, price feed, seeded ledger,
// conversion venue, flash loan providers, vault, controller and fabric.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Bot, error) {
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	deployer, err := resolveDeployer(cfg)
	if err != nil {
		return nil, err
	}
	addrs := deriveAddresses(deployer)

	b := &Bot{
		cfg:       cfg,
		addresses: addrs,
		Env:       chain.NewEnv(cfg.ChainID, logger),
		Bank:      token.NewBank(logger),
		Registry:  metrics.NewRegistry(),
		logger:    logger,
	}

	collDec := cfg.Tokens.Collateral.Decimals
	loanDec := cfg.Tokens.Loan.Decimals
	if err := b.Bank.Register(token.Token{Address: addrs.Collateral, Symbol: cfg.Tokens.Collateral.Symbol, Decimals: collDec}); err != nil {
		return nil, err
	}
	if err := b.Bank.Register(token.Token{Address: addrs.Loan, Symbol: cfg.Tokens.Loan.Symbol, Decimals: loanDec}); err != nil {
		return nil, err
	}

	if err := b.buildOracle(ctx); err != nil {
		return nil, err
	}

	params := ledger.Params{
		MaxLTVBps:       cfg.Ledger.MaxLTVBps,
		MinHealthFactor: config.MustParseAmount(cfg.Ledger.MinHealthFactor, 18),
	}
	b.Ledger, err = ledger.New(addrs.Ledger, b.Bank, b.Feed, params, logger, metrics.NewLedgerMetrics(b.Registry, metrics.DefaultNamespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	pair := dex.Pair{Base: addrs.Collateral, Quote: addrs.Loan}
	rate := config.MustParseAmount(cfg.Vault.ReferenceRate, 8)
	var (
		converter dex.Converter
		pool      *uniswap.Pair
	)
	switch cfg.Vault.Venue {
	case "uniswap":
		pool, err = uniswap.NewPair(addrs.Pool, addrs.Collateral, addrs.Loan, b.Bank, logger)
		converter = pool
	default:
		converter, err = dex.NewFixedRate(b.Bank, pair, rate, 8, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create conversion venue: %w", err)
	}

	lender := flashloan.NewManager(b.Bank, logger, metrics.NewFlashLoanMetrics(b.Registry, metrics.DefaultNamespace))
	for _, p := range cfg.FlashLoan.Providers {
		pc := flashloan.ProviderConfig{Name: p.Name, FeeBps: p.FeeBps}
		if p.MaxLoan != "" {
			pc.MaxLoan = config.MustParseAmount(p.MaxLoan, loanDec)
		}
		provider, err := mint.NewProvider(b.Bank, pc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create flash loan provider %s: %w", p.Name, err)
		}
		lender.AddProvider(provider)
	}

	vcfg := vault.Config{
		CollateralToken: addrs.Collateral,
		LoanToken:       addrs.Loan,
		CallbackProxy:   addrs.Proxy,
		AutomationID:    addrs.Deployer,
		MaxLoops:        cfg.Vault.MaxLoops,
		BorrowBps:       cfg.Vault.BorrowBps,
		MinBorrow:       config.MustParseAmount(cfg.Vault.MinBorrow, loanDec),
		UnwindBufferBps: cfg.Vault.UnwindBufferBps,
		MaxSlippageBps:  cfg.Vault.MaxSlippageBps,
	}
	b.Vault, err = vault.New(addrs.Vault, vcfg, vault.Dependencies{
		Env:       b.Env,
		Ledger:    b.Ledger,
		Bank:      b.Bank,
		Converter: converter,
		Reference: dex.NewOracleQuoter(b.Bank, pair, b.Feed),
		Lender:    lender,
	}, logger, metrics.NewVaultMetrics(b.Registry, metrics.DefaultNamespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	// the controller runs under the deployer's identity, which the vault
	// expects as injected sender
	b.Controller, err = reactive.NewController(addrs.Deployer, reactive.Config{
		OriginChainID:       cfg.ChainID,
		DestinationChainID:  cfg.ChainID,
		Vault:               addrs.Vault,
		Oracle:              addrs.Feed,
		MaxLoopIterations:   cfg.Controller.MaxLoopIterations,
		MinLoopBorrow:       config.MustParseAmount(cfg.Controller.MinLoopBorrow, loanDec),
		CrashPriceThreshold: config.MustParseAmount(cfg.Controller.CrashPriceThreshold, cfg.Oracle.Decimals),
		CallbackGasLimit:    cfg.Controller.CallbackGasLimit,
	}, logger, metrics.NewControllerMetrics(b.Registry, metrics.DefaultNamespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	b.Fabric, err = fabric.New(b.Env, addrs.Proxy, fabric.Config{
		Workers:        cfg.Fabric.Workers,
		DeliveryDelay:  cfg.Fabric.DeliveryDelay.Duration,
		Jitter:         cfg.Fabric.Jitter.Duration,
		Redeliveries:   cfg.Fabric.Redeliveries,
		DedupCacheSize: cfg.Fabric.DedupCacheSize,
		MaxGasLimit:    cfg.Fabric.MaxGasLimit,
		RateLimit: fabric.RateLimit{
			PerSecond: cfg.Fabric.RateLimit.RequestsPerSecond,
			Burst:     cfg.Fabric.RateLimit.BurstSize,
		},
	}, logger, metrics.NewFabricMetrics(b.Registry, metrics.DefaultNamespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create fabric: %w", err)
	}
	b.Fabric.Register(b.Controller)
	b.Fabric.RegisterTarget(cfg.ChainID, addrs.Vault, b.Vault)

	if err := b.bootstrap(ctx, pool, rate); err != nil {
		return nil, fmt.Errorf("failed to bootstrap: %w", err)
	}

	logger.Info("System deployed",
		zap.String("deployer", addrs.Deployer.Hex()),
		zap.String("vault", addrs.Vault.Hex()),
		zap.String("ledger", addrs.Ledger.Hex()),
		zap.String("feed", addrs.Feed.Hex()),
		zap.String("venue", cfg.Vault.Venue))
	return b, nil
}

func resolveDeployer(cfg *config.Config) (common.Address, error) {
	if key := config.GetEnvWithDefault(config.EnvDeployerKey, ""); key != "" {
		pk, err := crypto.HexToECDSA(trimHexPrefix(key))
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid deployer key: %w", err)
		}
		return crypto.PubkeyToAddress(pk.PublicKey), nil
	}
	if cfg.Deployer != "" {
		return common.HexToAddress(cfg.Deployer), nil
	}
	return common.BytesToAddress(crypto.Keccak256([]byte("loopvault/deployer"))), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (b *Bot) buildOracle(ctx context.Context) error {
	oc := b.cfg.Oracle

	var (
		initial *big.Int
		source  oracle.PriceSource
	)
	switch oc.Source {
	case "chainlink":
		client, err := ethclient.DialContext(ctx, oc.RPCEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to Ethereum node: %w", err)
		}
		reader, err := oracle.NewAggregatorReader(ctx, client, common.HexToAddress(oc.AggregatorAddress), oc.MaxAge.Duration, b.logger)
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to create aggregator reader: %w", err)
		}
		price, err := reader.LatestPrice(ctx)
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to read initial price: %w", err)
		}
		b.client = client
		source = reader
		initial = mathutil.Rescale(price, reader.Decimals(), oc.Decimals)
	default:
		initial = config.MustParseAmount(oc.InitialPrice, oc.Decimals)
	}

	feed, err := oracle.NewFeed(b.addresses.Feed, b.addresses.Deployer, oc.Decimals, initial, b.logger)
	if err != nil {
		return fmt.Errorf("failed to create price feed: %w", err)
	}
	b.Feed = feed

	if source != nil {
		b.relay, err = oracle.NewRelay(b.Env, feed, source, b.addresses.Deployer, oc.PollInterval.Duration, b.logger)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) bootstrap(ctx context.Context, pool *uniswap.Pair, rate *big.Int) error {
	cfg := b.cfg
	addrs := b.addresses
	collDec := cfg.Tokens.Collateral.Decimals
	loanDec := cfg.Tokens.Loan.Decimals

	_, err := b.Env.Execute(ctx, addrs.Deployer, func(call *chain.Call) error {
		seed := config.MustParseAmount(cfg.Ledger.SeedLiquidity, loanDec)
		if err := b.Bank.Mint(call, addrs.Loan, addrs.Deployer, seed); err != nil {
			return err
		}
		if err := b.Ledger.SeedLiquidity(call, addrs.Loan, seed); err != nil {
			return err
		}

		funds := config.MustParseAmount(cfg.Tokens.UserFunds, collDec)
		if funds.Sign() > 0 {
			if err := b.Bank.Mint(call, addrs.Collateral, addrs.User, funds); err != nil {
				return err
			}
		}

		if pool != nil {
			depth := config.MustParseAmount(cfg.Vault.PoolDepth, collDec)
			reference, err := dex.NewFixedRate(b.Bank, dex.Pair{Base: addrs.Collateral, Quote: addrs.Loan}, rate, 8, b.logger)
			if err != nil {
				return err
			}
			quote, err := reference.Quote(ctx, addrs.Collateral, addrs.Loan, depth)
			if err != nil {
				return err
			}
			if err := b.Bank.Mint(call, addrs.Collateral, addrs.Deployer, depth); err != nil {
				return err
			}
			if err := b.Bank.Mint(call, addrs.Loan, addrs.Deployer, quote); err != nil {
				return err
			}
			if err := pool.AddLiquidity(call, depth, quote); err != nil {
				return err
			}
		}

		// automation gas funding
		gas := big.NewInt(1e17)
		if err := b.Bank.Mint(call, token.Native, addrs.Deployer, gas); err != nil {
			return err
		}
		return b.Vault.Pay(call, gas)
	})
	return err
}

// Start runs the fabric, the price relay and the metrics endpoint.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Starting loopvault...")

	ctx, b.cancel = context.WithCancel(ctx)
	b.stopFabric = b.Fabric.Start(ctx)

	if b.relay != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.relay.Run(ctx); err != nil {
				b.logger.Error("Price relay error", zap.Error(err))
			}
		}()
	}

	if b.cfg.Metrics.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{}))
		b.server = &http.Server{Addr: b.cfg.Metrics.PrometheusEndpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop shuts everything started by Start down.
func (b *Bot) Stop() error {
	b.logger.Info("Stopping loopvault...")

	var err error
	if b.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = b.server.Shutdown(shutdownCtx)
		cancel()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.stopFabric != nil {
		err = errors.Join(err, b.stopFabric())
	}
	b.wg.Wait()
	if b.client != nil {
		b.client.Close()
	}
	return err
}

func (b *Bot) Addresses() Addresses { return b.addresses }

func (b *Bot) Config() *config.Config { return b.cfg }

// Deposit deposits amount of collateral from the demo user.
func (b *Bot) Deposit(ctx context.Context, amount *big.Int) error {
	_, err := b.Env.Execute(ctx, b.addresses.User, func(call *chain.Call) error {
		return b.Vault.Deposit(call, amount)
	})
	return err
}

// SetPrice publishes a new oracle price as the feed owner.
func (b *Bot) SetPrice(ctx context.Context, price *big.Int) error {
	_, err := b.Env.Execute(ctx, b.addresses.Deployer, func(call *chain.Call) error {
		return b.Feed.SetPrice(call, price)
	})
	return err
}
